package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageTextKeepsReadableBlocks(t *testing.T) {
	t.Parallel()

	html := `<html><head><title>Debt   Clock</title><style>p{color:red}</style></head>
<body>
  <script>var hidden = "do not include";</script>
  <div class="wrap">
    <h1>US National Debt</h1>
    <p>The   current national debt is
       $36,000,000,000,000.</p>
    <ul><li>ok</li><li>Debt per citizen is $105,000</li></ul>
  </div>
  <noscript>Enable JS please</noscript>
</body></html>`

	text, err := PageText([]byte(html), 1)
	require.NoError(t, err)
	require.Equal(t,
		"Debt Clock\nUS National Debt\nThe current national debt is $36,000,000,000,000.\nok\nDebt per citizen is $105,000",
		text)

	filtered, err := PageText([]byte(html), 3)
	require.NoError(t, err)
	require.NotContains(t, filtered, "\nok\n")
	require.NotContains(t, filtered, "hidden")
	require.NotContains(t, filtered, "Enable JS")
}

func TestPageTextFallsBackToBody(t *testing.T) {
	t.Parallel()

	text, err := PageText([]byte(`<html><body>just some <b>inline</b> text</body></html>`), 1)
	require.NoError(t, err)
	require.Equal(t, "just some inline text", text)
}
