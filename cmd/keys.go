package main

import (
	"context"
	"fmt"

	"github.com/ferncliff/spotbridge/internal/hsm"
	"github.com/ferncliff/spotbridge/internal/repositories"
	"github.com/ferncliff/spotbridge/internal/shared"
	"github.com/ferncliff/spotbridge/internal/ui"
	"github.com/urfave/cli/v3"
)

// KeysList lists the keys held by the configured custody backend.
func (r *Runner) KeysList(ctx context.Context, cmd *cli.Command) error {
	if r.custodian == nil {
		return fmt.Errorf("%w: security settings required", shared.ErrMissingConfig)
	}

	keys, err := r.custodian.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}

	if cmd.Bool("json") {
		return r.writeJSON(keys, true)
	}

	r.writePlain("%s\n", ui.Title(fmt.Sprintf("Backend: %s", r.custodian.Name())))
	if r.custodian.HardwareBacked() {
		r.writePlain("Hardware backed: yes\n\n")
	} else {
		r.writePlain("%s\n\n", ui.Warn("Hardware backed: no"))
	}

	if len(keys) == 0 {
		r.writePlain("No keys provisioned.\n")
		return nil
	}

	for i, key := range keys {
		r.writePlain("%d. %s\n", i+1, key.ID)
		r.writePlain("   Algorithm: %s\n", key.Algorithm)
		r.writePlain("   Created: %s\n", key.CreatedAt.Format("2006-01-02 15:04:05"))
		if purpose, ok := key.Attributes[hsm.AttrPurpose]; ok {
			r.writePlain("   Purpose: %s\n", purpose)
		}
		r.writePlain("\n")
	}

	return nil
}

// KeysAudit shows recent key custody audit entries, newest first.
func (r *Runner) KeysAudit(ctx context.Context, cmd *cli.Command) error {
	if r.custodian == nil {
		return fmt.Errorf("%w: security settings required", shared.ErrMissingConfig)
	}

	limit := cmd.Int("limit")

	var entries []hsm.AuditEntry
	if r.db != nil {
		var err error
		entries, err = repositories.NewAuditRepository(r.db).List(limit)
		if err != nil {
			return fmt.Errorf("failed to read audit log: %w", err)
		}
	} else {
		entries = r.custodian.Audit().Entries()
		if limit > 0 && len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
	}

	if cmd.Bool("json") {
		return r.writeJSON(entries, true)
	}

	if len(entries) == 0 {
		r.writePlain("No audit entries recorded.\n")
		return nil
	}

	for _, entry := range entries {
		status := ui.OK("ok")
		if !entry.Success {
			status = ui.Fail("failed")
		}
		r.writePlain("%s  %-12s %-20s %s\n", entry.Timestamp.Format("2006-01-02 15:04:05"), entry.Operation, entry.KeyID, status)
		if entry.Error != "" {
			r.writePlain("   %s\n", ui.Help(entry.Error))
		}
	}

	return nil
}
