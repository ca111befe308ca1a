package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/caarlos0/ctrlc"
	"github.com/spf13/viper"

	"unreflect/internal/binx"
	"unreflect/internal/discovery"
	"unreflect/internal/disasm"
	"unreflect/internal/layout"
	"unreflect/internal/uefmt"
)

// readerCache is the decoded-instruction cache shared by discovery and the
// disasm command.
const readerCache = 1 << 16

// loadTables returns the built-in layout tables plus any from --layouts.
func loadTables() (*layout.Tables, error) {
	ts := layout.Builtin()
	if path := viper.GetString("layouts"); path != "" {
		added, err := layout.LoadProfileFile(path, ts)
		if err != nil {
			return nil, err
		}
		for _, t := range added {
			log.WithField("table", t.Name).Debug("loaded layout profile")
		}
	}
	return ts, nil
}

// engineOptions maps the persistent flags onto discovery options.
func engineOptions(ts *layout.Tables, r *disasm.Reader) ([]discovery.Option, error) {
	opts := []discovery.Option{
		discovery.WithLayouts(ts),
		discovery.WithReader(r),
		discovery.WithWorkers(viper.GetInt("workers")),
		discovery.WithMaxItems(viper.GetInt("max-items")),
	}
	if viper.GetBool("strict") {
		opts = append(opts, discovery.WithMode(uefmt.ModeStrict))
	}
	if v := viper.GetString("engine-version"); v != "" {
		opts = append(opts, discovery.WithEngineVersion(v))
	}
	if name := viper.GetString("table"); name != "" {
		t, ok := ts.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown layout table %q (have %v)", name, ts.Names())
		}
		opts = append(opts, discovery.WithTable(t))
	}
	return opts, nil
}

// session is a loaded image and its discovery result.
type session struct {
	img    *binx.Image
	reader *disasm.Reader
	res    *discovery.Result
}

// discover loads path and runs discovery under Ctrl-C and --timeout. An
// interrupted or timed out run keeps its partial result and err reports why.
func discover(ctx context.Context, path string) (*session, error) {
	img, err := binx.Open(path)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"format":  img.Format,
		"base":    fmt.Sprintf("0x%x", img.Base),
		"version": img.EngineVersion,
	}).Info("loaded image")

	ts, err := loadTables()
	if err != nil {
		return nil, err
	}
	s := &session{img: img, reader: disasm.NewReader(img, readerCache)}
	opts, err := engineOptions(ts, s.reader)
	if err != nil {
		return nil, err
	}

	if d := viper.GetDuration("timeout"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eng := discovery.New(img, opts...)
	done := make(chan struct{})
	var runErr error
	err = ctrlc.Default.Run(ctx, func() error {
		defer close(done)
		s.res, runErr = eng.Run(ctx)
		return runErr
	})
	if errors.As(err, &ctrlc.ErrorCtrlC{}) {
		log.Warn("interrupted, waiting for in-flight items")
	}
	// Run returns promptly once ctx is done.
	cancel()
	<-done
	if err == nil {
		err = runErr
	}
	if s.res != nil && s.res.Partial {
		log.WithField("processed", s.res.Processed).Warn("discovery incomplete")
	}
	return s, err
}
