package backup

import "time"

// KindForDate is the schedule policy: a full backup on fullDay, an
// incremental on every other day.
func KindForDate(t time.Time, fullDay time.Weekday) BackupType {
	if t.Weekday() == fullDay {
		return TypeFull
	}
	return TypeIncremental
}

// NextFullBackupDate returns midnight of the next fullDay on or after t.
func NextFullBackupDate(t time.Time, fullDay time.Weekday) time.Time {
	days := (int(fullDay) - int(t.Weekday()) + 7) % 7
	y, mo, d := t.Date()
	return time.Date(y, mo, d+days, 0, 0, 0, 0, t.Location())
}
