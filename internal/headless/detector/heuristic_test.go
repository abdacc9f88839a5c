package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

func TestHeuristic_ShouldPromote(t *testing.T) {
	t.Parallel()

	longStatic := "<html><body>" + strings.Repeat("<p>static content</p>", 200) + "</body></html>"
	tests := []struct {
		name string
		h    *Heuristic
		resp scrape.FetchResponse
		want bool
	}{
		{
			name: "empty body",
			h:    NewHeuristic(100),
			resp: scrape.FetchResponse{StatusCode: 200},
			want: true,
		},
		{
			name: "next.js marker",
			h:    NewHeuristic(100),
			resp: scrape.FetchResponse{StatusCode: 200, Body: []byte(`<div id="__next"></div>`)},
			want: true,
		},
		{
			name: "angular marker",
			h:    NewHeuristic(100),
			resp: scrape.FetchResponse{StatusCode: 200, Body: []byte(`<app-root ng-version="17.0.0"></app-root>`)},
			want: true,
		},
		{
			name: "script density",
			h:    NewHeuristic(1000),
			resp: scrape.FetchResponse{StatusCode: 200, Body: []byte(`<html><script>var a=1;</script><p>t</p></html>`)},
			want: true,
		},
		{
			name: "unterminated script",
			h:    NewHeuristic(1000),
			resp: scrape.FetchResponse{StatusCode: 200, Body: []byte(`<p>hi</p><script src="x.js"`)},
			want: true,
		},
		{
			name: "large static page",
			h:    NewHeuristic(0),
			resp: scrape.FetchResponse{StatusCode: 200, Body: []byte(longStatic)},
			want: false,
		},
		{
			name: "custom marker",
			h:    NewHeuristic(0, "data-debt-clock"),
			resp: scrape.FetchResponse{StatusCode: 200, Body: []byte(longStatic + `<div data-debt-clock></div>`)},
			want: true,
		},
		{
			name: "error status",
			h:    NewHeuristic(100),
			resp: scrape.FetchResponse{StatusCode: 404, Body: []byte("not found")},
			want: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, tc.h.ShouldPromote(tc.resp))
		})
	}
}

func TestNewHeuristicIgnoresBlankMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(10, "", "   ")
	require.Len(t, h.Markers, len(spaMarkers))
	require.Equal(t, 10, h.BodyLengthThreshold)
}
