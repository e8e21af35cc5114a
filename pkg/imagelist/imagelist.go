// Package imagelist parses the HEPiX JSON list payload into a typed
// Document: created/expires dates, endorser, image records, and an
// optional VO tag.
package imagelist

import (
	"time"

	"github.com/hepix-sync/atrope/pkg/atropeerrors"
	"github.com/hepix-sync/atrope/pkg/endorser"
	"github.com/hepix-sync/atrope/pkg/image"
)

// requiredFields lists the mandatory top-level keys of a hv:imagelist block.
var requiredFields = []string{
	"dc:date:created",
	"dc:date:expires",
	"hv:endorser",
	"dc:identifier",
	"dc:description",
	"dc:title",
	"hv:images",
	"dc:source",
	"hv:version",
	"hv:uri",
}

// timeLayouts are tried in order against dc:date:created/expires, covering
// the ISO-8601 variants published lists use in the wild.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Document is the parsed, immutable representation of one HEPiX image
// list. It is constructed atomically by New and
// never mutated afterwards.
type Document struct {
	Created     time.Time
	Expires     time.Time
	UUID        string
	Description string
	Name        string
	Source      string
	Version     string
	URI         string
	Endorser    *endorser.Endorser
	Images      []*image.Record
	// VO is the optional virtual-organization tag; empty when the list
	// carries none.
	VO string
}

// New parses raw (the JSON-decoded verified SMIME payload) into a
// Document. raw must have a top-level `hv:imagelist` key carrying the ten
// required fields; a missing field, invalid endorser block, or any image
// parse failure fails the whole document with InvalidImageList.
func New(raw map[string]any) (*Document, error) {
	meta, ok := raw["hv:imagelist"].(map[string]any)
	if !ok {
		return nil, &atropeerrors.InvalidImageList{Reason: "missing top-level hv:imagelist key"}
	}

	for _, field := range requiredFields {
		if _, ok := meta[field]; !ok {
			return nil, &atropeerrors.InvalidImageList{Reason: "missing mandatory field " + field}
		}
	}

	created, err := parseTime(meta["dc:date:created"])
	if err != nil {
		return nil, &atropeerrors.InvalidImageList{Reason: "invalid dc:date:created: " + err.Error()}
	}
	expires, err := parseTime(meta["dc:date:expires"])
	if err != nil {
		return nil, &atropeerrors.InvalidImageList{Reason: "invalid dc:date:expires: " + err.Error()}
	}

	endorserMeta, ok := meta["hv:endorser"].(map[string]any)
	if !ok {
		return nil, &atropeerrors.InvalidImageList{Reason: "hv:endorser is not an object"}
	}
	x509Meta, ok := endorserMeta["hv:x509"].(map[string]any)
	if !ok {
		return nil, &atropeerrors.InvalidImageList{Reason: "hv:endorser.hv:x509 is not an object"}
	}
	end, err := endorser.New(x509Meta)
	if err != nil {
		return nil, err
	}

	imagesRaw, ok := meta["hv:images"].([]any)
	if !ok {
		return nil, &atropeerrors.InvalidImageList{Reason: "hv:images is not an array"}
	}

	images := make([]*image.Record, 0, len(imagesRaw))
	for _, imgMeta := range imagesRaw {
		m, ok := imgMeta.(map[string]any)
		if !ok {
			return nil, &atropeerrors.InvalidImageList{Reason: "image entry is not an object"}
		}
		img, err := image.New(m)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}

	doc := &Document{
		Created:     created,
		Expires:     expires,
		UUID:        asString(meta["dc:identifier"]),
		Description: asString(meta["dc:description"]),
		Name:        asString(meta["dc:title"]),
		Source:      asString(meta["dc:source"]),
		Version:     asString(meta["hv:version"]),
		URI:         asString(meta["hv:uri"]),
		Endorser:    end,
		Images:      images,
	}
	if vo, ok := meta["hv:vo"]; ok {
		doc.VO = asString(vo)
	}
	return doc, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func parseTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, &atropeerrors.InvalidImageList{Reason: "timestamp is not a string"}
	}
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
