package appointment

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustWindow(t *testing.T, minDate, maxDate, minTime, maxTime string) Window {
	t.Helper()
	w, err := ParseWindow(minDate, maxDate, minTime, maxTime)
	require.NoError(t, err)
	return w
}

func TestSelectGridSlot_EarliestTimeWins(t *testing.T) {
	g := SlotGrid{
		Dates: []string{"LUNES 10/02/2025", "MARTES 11/02/2025", "MIERCOLES 12/02/2025"},
		Rows: []GridRow{
			{Time: "09:00", Cells: []string{"HUECO1", "HUECO2", ""}},
			{Time: "09:30", Cells: []string{"", "HUECO3", "HUECO4"}},
		},
	}
	got, ok := SelectGridSlot(g, mustWindow(t, "", "", "09:00", "18:00"))
	require.True(t, ok)
	assert.Equal(t, SlotCandidate{Date: "10/02/2025", Time: "09:00", Token: "HUECO1"}, got)
}

func TestSelectGridSlot_SkipsRowsOutsideTimeWindow(t *testing.T) {
	g := SlotGrid{
		Dates: []string{"10/02/2025", "11/02/2025"},
		Rows: []GridRow{
			{Time: "08:30", Cells: []string{"EARLY", ""}},
			{Time: "9:15", Cells: []string{"", "LATER"}},
			{Time: "19:00", Cells: []string{"LATE", "LATE2"}},
		},
	}
	got, ok := SelectGridSlot(g, mustWindow(t, "", "", "09:00", "18:00"))
	require.True(t, ok)
	assert.Equal(t, "LATER", got.Token)
	assert.Equal(t, "09:15", got.Time)
}

func TestSelectGridSlot_DateWindow(t *testing.T) {
	g := SlotGrid{
		Dates: []string{"28/01/2025", "10/02/2025", "not a date"},
		Rows: []GridRow{
			{Time: "10:00", Cells: []string{"TOO_EARLY", "", "BROKEN"}},
			{Time: "11:00", Cells: []string{"TOO_EARLY2", "HUECO42", "BROKEN2"}},
		},
	}
	got, ok := SelectGridSlot(g, mustWindow(t, "30/01/2025", "25/02/2025", "09:00", "18:00"))
	require.True(t, ok)
	assert.Equal(t, SlotCandidate{Date: "10/02/2025", Time: "11:00", Token: "HUECO42"}, got)
}

func TestSelectGridSlot_NothingInWindow(t *testing.T) {
	g := SlotGrid{
		Dates: []string{"10/02/2025"},
		Rows:  []GridRow{{Time: "10:00", Cells: []string{"HUECO1"}}},
	}
	_, ok := SelectGridSlot(g, mustWindow(t, "01/03/2025", "", "", ""))
	assert.False(t, ok)

	_, ok = SelectGridSlot(SlotGrid{}, Unbounded())
	assert.False(t, ok)
}

func TestSelectBestSlot_List(t *testing.T) {
	labels := []string{
		"CITA 1 Día: 14/02/2025 Hora: 10:20",
		"CITA 2 Día: 03/02/2025 Hora: 12:40",
		"CITA 3 Día: ??",
		"CITA 4 Día: 01/01/2025 Hora: 09:00",
	}
	var cands []SlotCandidate
	for i, l := range labels {
		cands = append(cands, CandidateFromLabel(l, fmt.Sprint(i)))
	}
	assert.Equal(t, "12:40", cands[1].Time)

	t.Run("no window picks first listed", func(t *testing.T) {
		got, ok := SelectBestSlot(cands, Unbounded())
		require.True(t, ok)
		assert.Equal(t, "0", got.Token)
	})
	t.Run("earliest inside window", func(t *testing.T) {
		got, ok := SelectBestSlot(cands, mustWindow(t, "02/01/2025", "20/02/2025", "", ""))
		require.True(t, ok)
		assert.Equal(t, "03/02/2025", got.Date)
	})
	t.Run("time bound applies to labels", func(t *testing.T) {
		got, ok := SelectBestSlot(cands, mustWindow(t, "02/01/2025", "", "", "11:00"))
		require.True(t, ok)
		assert.Equal(t, "14/02/2025", got.Date)
	})
	t.Run("none qualify", func(t *testing.T) {
		_, ok := SelectBestSlot(cands, mustWindow(t, "01/06/2025", "", "", ""))
		assert.False(t, ok)
	})
}

// Randomized check that no selection ever escapes the configured window.
func TestSelection_NeverOutsideWindow(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 500; i++ {
		lo := base.AddDate(0, 0, rng.Intn(60))
		hi := lo.AddDate(0, 0, rng.Intn(30))
		w := mustWindow(t, lo.Format(DateLayout), hi.Format(DateLayout), "09:00", "14:00")

		var cands []SlotCandidate
		g := SlotGrid{}
		for d := 0; d < 6; d++ {
			g.Dates = append(g.Dates, base.AddDate(0, 0, rng.Intn(100)).Format(DateLayout))
		}
		for h := 7; h < 20; h++ {
			row := GridRow{Time: fmt.Sprintf("%02d:%02d", h, 15*rng.Intn(4))}
			for range g.Dates {
				tok := ""
				if rng.Intn(3) == 0 {
					tok = fmt.Sprintf("H%d", rng.Int())
				}
				row.Cells = append(row.Cells, tok)
			}
			g.Rows = append(g.Rows, row)
			cands = append(cands, SlotCandidate{Date: g.Dates[rng.Intn(len(g.Dates))], Time: row.Time, Token: "L"})
		}

		if got, ok := SelectGridSlot(g, w); ok {
			assert.True(t, w.Contains(got), "grid pick %+v outside window", got)
		}
		if got, ok := SelectBestSlot(cands, w); ok {
			assert.True(t, w.Contains(got), "list pick %+v outside window", got)
		}
	}
}

func TestParseWindow_Errors(t *testing.T) {
	_, err := ParseWindow("2025-01-01", "", "", "")
	assert.Error(t, err)
	_, err = ParseWindow("10/02/2025", "01/02/2025", "", "")
	assert.Error(t, err)
	_, err = ParseWindow("", "", "18:00", "09:00")
	assert.Error(t, err)
	_, err = ParseWindow("", "", "25:00", "")
	assert.Error(t, err)
}
