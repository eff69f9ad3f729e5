// Package target imports the measurement server catalogue.
//
// Each non-empty line of a catalogue file describes one target:
//
//	<fqdn> <ip|-> <service>[!]:<info> [<service>[!]:<info> ...]
//
// An address of "-" is resolved from the name. A trailing "!" on a service
// name marks it exclusive. Lines starting with "#" are comments.
package target

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"bdmd/pkg/database"

	"github.com/spf13/afero"
)

// Catalogue stores imported targets.
type Catalogue interface {
	UpsertTarget(ctx context.Context, e database.TargetEntry) (int64, error)
}

type Importer struct {
	store   Catalogue
	fs      afero.Fs
	resolve Resolver
	logger  *slog.Logger
}

func NewImporter(store Catalogue, fs afero.Fs, resolve Resolver, logger *slog.Logger) *Importer {
	if resolve == nil {
		resolve = LookupIP
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{store: store, fs: fs, resolve: resolve, logger: logger}
}

// AddTargetsFromFile upserts every valid line of filename with addresses
// effective from effective. Bad lines are logged and skipped.
func (im *Importer) AddTargetsFromFile(ctx context.Context, filename string, effective time.Time) (int, error) {
	file, err := im.fs.Open(filename)
	if err != nil {
		return 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	added := 0
	lineNo := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		entry, err := parseLine(line)
		if err != nil {
			im.logger.Error("Error parsing target line", "line", lineNo, "error", err)
			continue
		}
		entry.Effective = effective.UTC()

		if entry.IP == "" {
			ip, err := im.resolveTarget(ctx, entry.FQDN)
			if err != nil {
				im.logger.Warn("Error resolving target", "fqdn", entry.FQDN, "error", err)
				continue
			}
			entry.IP = ip
		}

		if _, err := im.store.UpsertTarget(ctx, entry); err != nil {
			return added, fmt.Errorf("upserting %s: %w", entry.FQDN, err)
		}
		im.logger.Debug("Target upserted", "fqdn", entry.FQDN, "ip", entry.IP, "services", len(entry.Services))
		added++
	}

	if err := scanner.Err(); err != nil {
		return added, fmt.Errorf("error reading file: %w", err)
	}

	return added, nil
}

func parseLine(line string) (database.TargetEntry, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return database.TargetEntry{}, fmt.Errorf("expected fqdn, address and at least one service, got %d fields", len(fields))
	}

	entry := database.TargetEntry{FQDN: fields[0]}

	if fields[1] != "-" {
		addr, err := netip.ParseAddr(fields[1])
		if err != nil {
			return database.TargetEntry{}, fmt.Errorf("invalid address %q: %w", fields[1], err)
		}
		entry.IP = addr.String()
	}

	for _, f := range fields[2:] {
		name, info, ok := strings.Cut(f, ":")
		if !ok {
			return database.TargetEntry{}, fmt.Errorf("service %q has no info", f)
		}
		svc := database.ServiceEntry{Info: info}
		svc.Name, svc.Exclusive = strings.CutSuffix(name, "!")
		if svc.Name == "" {
			return database.TargetEntry{}, fmt.Errorf("empty service name in %q", f)
		}
		entry.Services = append(entry.Services, svc)
	}

	return entry, nil
}
