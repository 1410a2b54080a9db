package ident

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/Bldg-7/chargebay/internal/config"
	"github.com/Bldg-7/chargebay/internal/shared"
	"github.com/chzyer/readline"
	"go.uber.org/zap"
)

const SourceTerminal = "terminal"

type lineReader interface {
	Readline() (string, error)
	Close() error
}

// TerminalSource reads identifiers typed or wedged into the controlling
// terminal, one per line.
type TerminalSource struct {
	rules     ScanRules
	logger    *zap.Logger
	now       func() time.Time
	newReader func() (lineReader, error)
}

func NewTerminalSource(cfg config.TerminalSourceConfig, logger *zap.Logger) *TerminalSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TerminalSource{
		rules: ScanRules{
			MinLength:    cfg.MinLength,
			KeepTrailing: cfg.KeepTrailing,
			DigitsOnly:   cfg.DigitsOnly,
		},
		logger: logger,
		now:    time.Now,
		newReader: func() (lineReader, error) {
			return readline.NewEx(&readline.Config{
				Prompt:      cfg.Prompt,
				HistoryFile: cfg.HistoryFile,
			})
		},
	}
}

func (t *TerminalSource) Name() string { return SourceTerminal }

// Run reads until EOF or ctx is done. Ctrl+C clears the current line.
func (t *TerminalSource) Run(ctx context.Context, emit func(shared.IdentifierEvent)) error {
	rl, err := t.newReader()
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { _ = rl.Close() })
	defer func() {
		stop()
		_ = rl.Close()
	}()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		identifier, ok := t.rules.Normalize(line)
		if !ok {
			if line != "" {
				t.logger.Debug("ignoring short scan", zap.Int("length", len(line)))
			}
			continue
		}

		ev, err := shared.NewIdentifierEvent(identifier, SourceTerminal, t.now())
		if err != nil {
			continue
		}
		emit(ev)
	}
}
