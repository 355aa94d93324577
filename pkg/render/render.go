// Package render turns store snapshots into configuration artifacts for
// the forwarding daemons. Rendering is a pure function of a template and a
// snapshot: identical inputs always yield byte-identical artifacts.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/newtron-network/swconf/pkg/schema"
	"github.com/newtron-network/swconf/pkg/store"
	"github.com/newtron-network/swconf/pkg/util"
)

// Artifact is one rendered file.
type Artifact struct {
	Template string      `json:"template"`
	Dest     string      `json:"dest"`
	Mode     os.FileMode `json:"mode"`
	Content  []byte      `json:"-"`
	Hash     string      `json:"hash"`
	Version  uint64      `json:"version"`
}

// Hash returns the content hash recorded in artifacts.
func Hash(content []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(content))
}

// Data is the dot value templates execute with.
type Data struct {
	Template string
	Version  uint64
	Vars     map[string]string
}

// Renderer renders templates against snapshots. A nil schema disables the
// unknown-table check.
type Renderer struct {
	schema *schema.Schema
}

// NewRenderer creates a renderer for s.
func NewRenderer(s *schema.Schema) *Renderer {
	return &Renderer{schema: s}
}

// Render executes t against snap. Data absent from the snapshot yields
// util.ErrMissingData; any other failure util.ErrRenderFault. Both come
// wrapped in a *util.ArtifactError naming the template.
func (r *Renderer) Render(t *Template, snap *store.Snapshot) (Artifact, error) {
	if t.parsed == nil {
		return Artifact{}, &util.ArtifactError{Kind: util.ErrRenderFault, Template: t.Name, Dest: t.Dest,
			Err: errors.New("template not compiled")}
	}
	tmpl, err := t.parsed.Clone()
	if err != nil {
		return Artifact{}, &util.ArtifactError{Kind: util.ErrRenderFault, Template: t.Name, Dest: t.Dest, Err: err}
	}
	tmpl.Funcs(funcMap(r.schema, snap))

	var buf bytes.Buffer
	data := Data{Template: t.Name, Version: snap.Version(), Vars: t.Vars}
	if err := tmpl.Execute(&buf, data); err != nil {
		kind := util.ErrRenderFault
		if errors.Is(err, util.ErrMissingData) {
			kind = util.ErrMissingData
		}
		return Artifact{}, &util.ArtifactError{Kind: kind, Template: t.Name, Dest: t.Dest, Err: err}
	}

	content := buf.Bytes()
	return Artifact{
		Template: t.Name,
		Dest:     t.Dest,
		Mode:     t.FileMode(),
		Content:  content,
		Hash:     Hash(content),
		Version:  snap.Version(),
	}, nil
}

// RenderAll renders every template concurrently against the same snapshot.
// Artifacts come back in template order. Any failure fails the whole set.
func (r *Renderer) RenderAll(ctx context.Context, templates []*Template, snap *store.Snapshot) ([]Artifact, error) {
	artifacts := make([]Artifact, len(templates))
	g, ctx := errgroup.WithContext(ctx)
	for i, t := range templates {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			a, err := r.Render(t, snap)
			if err != nil {
				return err
			}
			util.WithTemplate(t.Name).Debugf("rendered %d bytes from version %d", len(a.Content), a.Version)
			artifacts[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return artifacts, nil
}
