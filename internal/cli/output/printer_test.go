package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tierSummary is a result fixture shaped like the sync report tables.
type tierSummary struct {
	Tier    string `json:"tier" yaml:"tier"`
	Members int    `json:"members" yaml:"members"`
}

func (s tierSummary) Headers() []string {
	return []string{"TIER", "MEMBERS"}
}

func (s tierSummary) Rows() [][]string {
	return [][]string{{s.Tier, "42"}}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    Format
		wantErr bool
	}{
		{"table", FormatTable, false},
		{"", FormatTable, false},
		{"json", FormatJSON, false},
		{"JSON", FormatJSON, false},
		{"yaml", FormatYAML, false},
		{"yml", FormatYAML, false},
		{"  table  ", FormatTable, false},
		{"xml", "", true},
		{"csv", "", true},
	}
	for _, tt := range tests {
		t.Run("input "+tt.input, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrinterPrint(t *testing.T) {
	summary := tierSummary{Tier: "moderator", Members: 42}

	t.Run("table uses the renderer", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewPrinter(&buf, FormatTable, false)
		require.NoError(t, p.Print(summary))
		assert.Contains(t, buf.String(), "TIER")
		assert.Contains(t, buf.String(), "moderator")
	})

	t.Run("table falls back to JSON for plain data", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewPrinter(&buf, FormatTable, false)
		require.NoError(t, p.Print(map[string]int{"revoked": 3}))
		assert.Contains(t, buf.String(), `"revoked": 3`)
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewPrinter(&buf, FormatJSON, false)
		require.NoError(t, p.Print(summary))
		assert.Contains(t, buf.String(), `"tier": "moderator"`)
		assert.Contains(t, buf.String(), `"members": 42`)
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewPrinter(&buf, FormatYAML, false)
		require.NoError(t, p.Print(summary))
		assert.Contains(t, buf.String(), "tier: moderator")
		assert.Contains(t, buf.String(), "members: 42")
	})

	t.Run("unknown format rejected", func(t *testing.T) {
		p := NewPrinter(&bytes.Buffer{}, Format("csv"), false)
		assert.Error(t, p.Print(summary))
	})
}

func TestPrinterStatusLines(t *testing.T) {
	t.Run("colored", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewPrinter(&buf, FormatTable, true)
		p.Success("sync completed")
		p.Warning("dry run")
		p.Error("sync failed")

		out := buf.String()
		assert.Contains(t, out, "\033[32msync completed\033[0m")
		assert.Contains(t, out, "\033[33mdry run\033[0m")
		assert.Contains(t, out, "\033[31msync failed\033[0m")
	})

	t.Run("plain", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewPrinter(&buf, FormatTable, false)
		p.Success("sync completed")
		assert.Equal(t, "sync completed\n", buf.String())
		assert.NotContains(t, buf.String(), "\033[")
	})
}

func TestFormatTime(t *testing.T) {
	stamp := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC).Format(time.RFC3339)
	got := FormatTime(stamp)
	assert.NotEqual(t, stamp, got)
	assert.Contains(t, got, "2026")

	assert.Equal(t, "not-a-time", FormatTime("not-a-time"))
}

func TestTableData(t *testing.T) {
	table := NewTableData("OUTCOME", "COUNT")
	table.AddRow("success", "25")
	table.AddRow("no_change", "3")

	var buf bytes.Buffer
	require.NoError(t, PrintTable(&buf, table))

	out := buf.String()
	assert.Contains(t, out, "OUTCOME")
	assert.Contains(t, out, "success")
	assert.Contains(t, out, "no_change")

	// Borderless style: no ASCII frame characters.
	assert.False(t, strings.ContainsAny(out, "+|"))
}
