package backup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindForDate(t *testing.T) {
	// 2026-10-18 is a Sunday
	sunday := time.Date(2026, 10, 18, 2, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		day := sunday.AddDate(0, 0, i)
		want := TypeIncremental
		if i == 0 {
			want = TypeFull
		}
		assert.Equal(t, want, KindForDate(day, time.Sunday), day.Weekday().String())
	}

	assert.Equal(t, TypeFull, KindForDate(sunday.AddDate(0, 0, 3), time.Wednesday))
}

func TestNextFullBackupDate(t *testing.T) {
	monday := time.Date(2026, 10, 19, 15, 30, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 10, 25, 0, 0, 0, 0, time.UTC), NextFullBackupDate(monday, time.Sunday))
	assert.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), NextFullBackupDate(monday, time.Monday))
	assert.Equal(t, time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC), NextFullBackupDate(monday, time.Tuesday))
}
