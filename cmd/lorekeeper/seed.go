package main

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"lorekeeper/internal/domain"
)

// seedFile is the YAML layout accepted by "lorekeeper seed". Entities refer
// to each other by key; keys exist only inside the file.
type seedFile struct {
	Collection    string             `yaml:"collection"`
	Entities      []seedEntity       `yaml:"entities"`
	Relationships []seedRelationship `yaml:"relationships"`
}

type seedEntity struct {
	Key    string         `yaml:"key"`
	Type   string         `yaml:"type"`
	Name   string         `yaml:"name"`
	Parent string         `yaml:"parent"`
	Fields map[string]any `yaml:"fields"`
}

type seedRelationship struct {
	Source        string `yaml:"source"`
	Target        string `yaml:"target"`
	Label         string `yaml:"label"`
	Description   string `yaml:"description"`
	Bidirectional bool   `yaml:"bidirectional"`
}

// seedStats counts what a seed run created.
type seedStats struct {
	Entities      int
	Relationships int
}

func parseSeed(r io.Reader) (*seedFile, error) {
	var sf seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sf); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	keys := make(map[string]bool, len(sf.Entities))
	for i, e := range sf.Entities {
		if e.Type == "" || e.Name == "" {
			return nil, fmt.Errorf("entities[%d]: type and name are required", i)
		}
		if e.Parent != "" && !keys[e.Parent] {
			return nil, fmt.Errorf("entities[%d]: parent %q must be declared earlier", i, e.Parent)
		}
		if e.Key == "" {
			continue
		}
		if keys[e.Key] {
			return nil, fmt.Errorf("entities[%d]: duplicate key %q", i, e.Key)
		}
		keys[e.Key] = true
	}
	for i, r := range sf.Relationships {
		if !keys[r.Source] || !keys[r.Target] {
			return nil, fmt.Errorf("relationships[%d]: unknown entity key", i)
		}
		if r.Label == "" {
			return nil, fmt.Errorf("relationships[%d]: label is required", i)
		}
	}
	return &sf, nil
}

// applySeed creates the file's entities, then its relationships. It stops
// at the first backend error; entities created before it are kept.
func applySeed(ctx context.Context, backend domain.EntityBackend, sf *seedFile, collection string) (seedStats, error) {
	var stats seedStats
	if sf.Collection != "" {
		collection = sf.Collection
	}

	created := make(map[string]*domain.Entity, len(sf.Entities))
	for _, se := range sf.Entities {
		ne := domain.NewEntity{
			CollectionID: collection,
			Type:         se.Type,
			Name:         se.Name,
			Fields:       se.Fields,
		}
		if se.Parent != "" {
			ne.ParentID = created[se.Parent].ID
		}
		e, err := backend.Create(ctx, ne)
		if err != nil {
			return stats, fmt.Errorf("create %s %q: %w", se.Type, se.Name, err)
		}
		stats.Entities++
		if se.Key != "" {
			created[se.Key] = e
		}
	}

	for _, sr := range sf.Relationships {
		src, dst := created[sr.Source], created[sr.Target]
		_, err := backend.CreateRelationship(ctx, domain.Relationship{
			SourceType:    src.Type,
			SourceID:      src.ID,
			TargetType:    dst.Type,
			TargetID:      dst.ID,
			Label:         sr.Label,
			Description:   sr.Description,
			Bidirectional: sr.Bidirectional,
		})
		if err != nil {
			return stats, fmt.Errorf("link %s -> %s: %w", sr.Source, sr.Target, err)
		}
		stats.Relationships++
	}
	return stats, nil
}
