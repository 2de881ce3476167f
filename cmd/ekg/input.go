package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/logflow/ekg/pkg/config"
	"github.com/logflow/ekg/pkg/ekg"
	"github.com/logflow/ekg/pkg/eventtable"
	"github.com/logflow/ekg/pkg/ocel"
	"github.com/logflow/ekg/pkg/source"

	ekgerrors "github.com/logflow/ekg/pkg/errors"
)

// Input kinds.
const (
	inputOCEL      = "ocel"
	inputTable     = "table"
	inputArtifacts = "artifacts"
)

const objectsSuffix = ".ocel.objects.csv"

// detectInput classifies a local path by extension; directories hold
// persisted CSV tables.
func detectInput(path string) string {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return inputArtifacts
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonocel", ".zip":
		return inputOCEL
	case ".csv", ".xlsx", ".xlsm":
		return inputTable
	}
	return ""
}

// baseName strips the directory and extension of an input path.
func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// findArtifacts locates the single set of CSV tables in dir.
func findArtifacts(dir string) (ocel.Artifacts, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+objectsSuffix))
	if err != nil {
		return ocel.Artifacts{}, err
	}
	if len(matches) != 1 {
		return ocel.Artifacts{}, ekgerrors.Newf(ekgerrors.CodeMalformedLogInput,
			"expected one table set in %s, found %d", dir, len(matches))
	}
	base := strings.TrimSuffix(filepath.Base(matches[0]), objectsSuffix)
	a := ocel.ArtifactPaths(dir, base, ".csv")
	if !a.Exists() {
		return a, ekgerrors.Newf(ekgerrors.CodeMalformedLogInput, "incomplete table set %s in %s", base, dir)
	}
	return a, nil
}

// outputDir is where table artifacts of local are written.
func outputDir(cfg *config.Config, local string) string {
	if cfg.Import.OutputDir != "" {
		return cfg.Import.OutputDir
	}
	return filepath.Dir(local)
}

// readTables decodes and normalizes an OCEL document.
func readTables(ctx context.Context, path string) (*ocel.Tables, error) {
	doc, err := ocel.ReadDocument(ctx, path)
	if err != nil {
		return nil, err
	}
	return ocel.Normalize(doc)
}

// loadInput fetches location and reads it into a pipeline input.
func loadInput(ctx context.Context, cfg *config.Config, location string) (ekg.Input, error) {
	in := ekg.Input{Name: location}
	local, err := source.NewResolver(cfg.S3, cfg.Import.CacheDir).Fetch(ctx, location)
	if err != nil {
		return in, ekgerrors.Wrapf(err, ekgerrors.CodeFileNotFound, "fetch %s", location)
	}

	kind := detectInput(local)
	logger.Debug("reading input", zap.String("path", local), zap.String("kind", kind))
	switch kind {
	case inputOCEL:
		tables, err := readTables(ctx, local)
		if err != nil {
			return in, err
		}
		if !cfg.Import.Bulk {
			in.Tables = tables
			return in, nil
		}
		a, err := ocel.WriteCSV(outputDir(cfg, local), baseName(local), tables)
		if err != nil {
			return in, err
		}
		in.Artifacts = &a
	case inputTable:
		table, err := eventtable.Read(ctx, local, cfg.EventTable)
		if err != nil {
			return in, err
		}
		in.Events = table
	case inputArtifacts:
		a, err := findArtifacts(local)
		if err != nil {
			return in, err
		}
		in.Artifacts = &a
	default:
		if _, err := os.Stat(local); err != nil {
			return in, ekgerrors.FileNotFound(local)
		}
		return in, ekgerrors.Newf(ekgerrors.CodeMalformedLogInput, "unsupported input %s", location)
	}
	return in, nil
}

// planFlags are the run selection flags shared by several commands.
type planFlags struct {
	reset       bool
	noDF        bool
	noLastState bool
	perType     bool
	rebuild     bool
	types       []string
}

// plan combines the flags with the configured model. Last state needs
// object attributes, which event tables do not carry.
func (f planFlags) plan(model ekg.Model, in ekg.Input) ekg.Plan {
	if f.perType {
		model.DF.Mode = ekg.ScopePerType
	}
	if f.rebuild {
		model.DF.Rebuild = true
	}
	if len(f.types) > 0 {
		model.DF.Types = f.types
	}
	return ekg.Plan{
		Reset:           f.reset,
		Model:           model,
		DirectlyFollows: !f.noDF,
		LastState:       !f.noLastState && in.Events == nil,
	}
}
