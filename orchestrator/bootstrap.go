package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LoadFlowsFromDir upserts every *.json flow definition in dir into the
// store, named after its file. When no flow is active afterwards, the first
// loaded flow is published so a fresh install can serve sessions immediately.
func LoadFlowsFromDir(ctx context.Context, dir string, store *Store, l *slog.Logger) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return fmt.Errorf("error reading flows directory: %w", err)
	}

	var firstLoaded string
	for _, file := range files {
		name := strings.TrimSuffix(filepath.Base(file), ".json")

		rec, err := loadFlowFile(ctx, store, name, file)
		if err != nil {
			return err
		}
		if firstLoaded == "" {
			firstLoaded = rec.FlowID
		}
		l.Info("flow definition loaded", "flow", name, "flow_id", rec.FlowID)
	}

	if firstLoaded == "" {
		return nil
	}

	if _, err := store.ActiveFlowID(ctx); errors.Is(err, ErrFlowNotFound) {
		if err := store.PublishFlow(ctx, firstLoaded); err != nil {
			return fmt.Errorf("error publishing bootstrap flow: %w", err)
		}
		l.Info("published bootstrap flow", "flow_id", firstLoaded)
	} else if err != nil {
		return err
	}

	return nil
}

func loadFlowFile(ctx context.Context, store *Store, name, file string) (FlowRecord, error) {
	if rec, err := store.GetFlowByName(ctx, name); err == nil {
		return rec, nil
	} else if !errors.Is(err, ErrFlowNotFound) {
		return FlowRecord{}, err
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return FlowRecord{}, fmt.Errorf("error reading flow file %s: %w", file, err)
	}
	if err := ValidateDefinition(data); err != nil {
		return FlowRecord{}, fmt.Errorf("flow file %s is invalid: %w", file, err)
	}

	return store.CreateFlow(ctx, name, "", json.RawMessage(data))
}
