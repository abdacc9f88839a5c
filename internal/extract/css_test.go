package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

const debtPage = `<html><body>
<div id="clock">
  <span class="debt" data-raw="36123456789012">$36,123,456,789,012</span>
  <span class="citizen">$105,432.10</span>
  <span class="live">yes</span>
</div>
<table id="rates">
  <tr class="row"><td class="name">Interest</td><td class="rate">4.5%</td></tr>
  <tr class="row"><td class="name">Inflation</td><td class="rate">2.9%</td></tr>
</table>
</body></html>`

func TestCSSStrategySingleObject(t *testing.T) {
	t.Parallel()

	strategy, err := NewCSSStrategy(Schema{
		Properties: map[string]Property{
			"debt":        {Type: TypeString, Selector: "#clock .debt"},
			"debt-raw":    {Type: TypeInteger, Selector: "#clock .debt", Attr: "data-raw"},
			"per-citizen": {Type: TypeNumber, Selector: "#clock .citizen"},
			"live":        {Type: TypeBoolean, Selector: "#clock .live"},
			"note":        {Type: TypeString, Selector: "#missing"},
		},
		Required: []string{"debt", "per-citizen"},
	})
	require.NoError(t, err)

	out, err := strategy.Extract(context.Background(), Page{HTML: []byte(debtPage)})
	require.NoError(t, err)
	require.JSONEq(t, `[{
		"debt": "$36,123,456,789,012",
		"debt-raw": 36123456789012,
		"per-citizen": 105432.1,
		"live": true,
		"note": null
	}]`, out)
}

func TestCSSStrategyBaseSelectorRows(t *testing.T) {
	t.Parallel()

	strategy, err := NewCSSStrategy(Schema{
		BaseSelector: "#rates .row",
		Properties: map[string]Property{
			"name": {Type: TypeString, Selector: ".name"},
			"rate": {Type: TypeNumber, Selector: ".rate"},
		},
		Required: []string{"name", "rate"},
	})
	require.NoError(t, err)

	out, err := strategy.Extract(context.Background(), Page{HTML: []byte(debtPage)})
	require.NoError(t, err)
	require.JSONEq(t, `[{"name":"Interest","rate":4.5},{"name":"Inflation","rate":2.9}]`, out)
}

func TestCSSStrategyMissingRequiredField(t *testing.T) {
	t.Parallel()

	strategy, err := NewCSSStrategy(Schema{
		Properties: map[string]Property{"debt": {Selector: "#nope"}},
		Required:   []string{"debt"},
	})
	require.NoError(t, err)

	_, err = strategy.Extract(context.Background(), Page{HTML: []byte(debtPage)})
	require.ErrorIs(t, err, ErrMissingField)
}

func TestCSSStrategyCoercionFailure(t *testing.T) {
	t.Parallel()

	strategy, err := NewCSSStrategy(Schema{
		Properties: map[string]Property{"n": {Type: TypeInteger, Selector: ".name"}},
	})
	require.NoError(t, err)

	_, err = strategy.Extract(context.Background(), Page{HTML: []byte(debtPage)})
	require.ErrorContains(t, err, "parse integer")
}

func TestNewCSSStrategyRequiresSelectors(t *testing.T) {
	t.Parallel()

	_, err := NewCSSStrategy(Schema{Properties: map[string]Property{"debt": {Type: TypeString}}})
	require.ErrorContains(t, err, "selector required")
}
