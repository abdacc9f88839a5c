package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrMissingField is returned when a required field has no match on the page.
var ErrMissingField = errors.New("required field not found")

// CSSStrategy extracts fields with CSS selectors and coerces them to the
// property types. It is deterministic and needs no external service.
type CSSStrategy struct {
	schema Schema
}

// NewCSSStrategy validates the schema selectors and builds the strategy.
func NewCSSStrategy(schema Schema) (*CSSStrategy, error) {
	if err := schema.ValidateSelectors(); err != nil {
		return nil, err
	}
	return &CSSStrategy{schema: schema}, nil
}

// Name identifies the strategy in logs.
func (s *CSSStrategy) Name() string { return "css" }

// Extract returns a JSON array with one object per base selector match, or a
// single object when no base selector is set.
func (s *CSSStrategy) Extract(_ context.Context, page Page) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.HTML))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	roots := doc.Selection
	if s.schema.BaseSelector != "" {
		roots = doc.Find(s.schema.BaseSelector)
		if roots.Length() == 0 {
			return "", fmt.Errorf("base selector %q: %w", s.schema.BaseSelector, ErrMissingField)
		}
	}

	rows := make([]map[string]any, 0, roots.Length())
	var rowErr error
	roots.EachWithBreak(func(_ int, root *goquery.Selection) bool {
		row, err := s.extractRow(root)
		if err != nil {
			rowErr = err
			return false
		}
		rows = append(rows, row)
		return true
	})
	if rowErr != nil {
		return "", rowErr
	}

	out, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("encode rows: %w", err)
	}
	return string(out), nil
}

func (s *CSSStrategy) extractRow(root *goquery.Selection) (map[string]any, error) {
	row := make(map[string]any, len(s.schema.Properties))
	for _, key := range s.schema.Keys() {
		prop := s.schema.Properties[key]
		match := root.Find(prop.Selector).First()
		if match.Length() == 0 {
			if s.schema.IsRequired(key) {
				return nil, fmt.Errorf("field %q (%s): %w", key, prop.Selector, ErrMissingField)
			}
			row[key] = nil
			continue
		}
		raw := collapseSpace(match.Text())
		if prop.Attr != "" {
			raw = strings.TrimSpace(match.AttrOr(prop.Attr, ""))
		}
		value, err := coerce(raw, prop.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		row[key] = value
	}
	return row, nil
}

var numericNoise = strings.NewReplacer(",", "", "$", "", "€", "", "£", "", "%", "", " ", "")

func coerce(raw, typ string) (any, error) {
	switch typ {
	case TypeNumber:
		f, err := strconv.ParseFloat(numericNoise.Replace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("parse number %q: %w", raw, err)
		}
		return f, nil
	case TypeInteger:
		cleaned := numericNoise.Replace(raw)
		n, err := strconv.ParseInt(cleaned, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse integer %q: %w", raw, err)
		}
		return n, nil
	case TypeBoolean:
		switch strings.ToLower(raw) {
		case "yes", "y", "on":
			return true, nil
		case "no", "n", "off", "":
			return false, nil
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("parse boolean %q: %w", raw, err)
		}
		return b, nil
	default:
		return raw, nil
	}
}
