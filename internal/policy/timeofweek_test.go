package policy

import (
	"strings"
	"testing"
	"time"
)

func TestParseTimeOfWeek(t *testing.T) {
	dr, err := ParseTimeOfWeek("R/08:00-12:30,14:00:30-17:00/Europe/Berlin")
	if err != nil {
		t.Fatalf("ParseTimeOfWeek: %v", err)
	}
	if dr.Day != time.Thursday {
		t.Errorf("day = %v, want Thursday", dr.Day)
	}
	if len(dr.Ranges) != 2 {
		t.Fatalf("ranges = %d, want 2", len(dr.Ranges))
	}
	if dr.Ranges[0].Start != 8*3600 || dr.Ranges[0].End != 12*3600+30*60 {
		t.Errorf("range[0] = %+v", dr.Ranges[0])
	}
	if dr.Ranges[1].Start != 14*3600+30 {
		t.Errorf("range[1].Start = %d, want 50430", dr.Ranges[1].Start)
	}
	if dr.Loc.String() != "Europe/Berlin" {
		t.Errorf("loc = %s, want Europe/Berlin", dr.Loc)
	}
}

func TestParseTimeOfWeekWholeDay(t *testing.T) {
	dr, err := ParseTimeOfWeek("U/true/UTC")
	if err != nil {
		t.Fatalf("ParseTimeOfWeek: %v", err)
	}
	if dr.Day != time.Sunday {
		t.Errorf("day = %v, want Sunday", dr.Day)
	}
	if len(dr.Ranges) != 1 || dr.Ranges[0].Start != 0 || dr.Ranges[0].End != 86399 {
		t.Errorf("ranges = %+v, want one 0..86399 range", dr.Ranges)
	}
}

func TestParseTimeOfWeekErrors(t *testing.T) {
	tests := []struct {
		in      string
		wantErr string
	}{
		{"X/true/UTC", "invalid day of the week"},
		{"F/true/Mars/Olympus", "invalid timezone"},
		{"F/true", "timezone is required"},
		{"F/true/", "timezone is required"},
		{"F/25:00-26:00/UTC", "invalid time range"},
		{"F/10:61-11:00/UTC", "invalid time range"},
		{"F/12:00-09:00/UTC", "start of the range"},
		{"F/0800/UTC", "invalid time range"},
		{"F", "malformed"},
	}
	for _, tt := range tests {
		_, err := ParseTimeOfWeek(tt.in)
		if err == nil {
			t.Errorf("ParseTimeOfWeek(%q) = nil, want error containing %q", tt.in, tt.wantErr)
			continue
		}
		if !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("ParseTimeOfWeek(%q) = %q, want error containing %q", tt.in, err, tt.wantErr)
		}
	}
}

func TestAdmitsChecksWeekdayInLocalZone(t *testing.T) {
	dr, err := ParseTimeOfWeek("M/09:00-17:00/UTC")
	if err != nil {
		t.Fatalf("ParseTimeOfWeek: %v", err)
	}

	monday := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	if !dr.Admits(monday) {
		t.Error("Monday noon not admitted")
	}
	tuesday := monday.Add(24 * time.Hour)
	if dr.Admits(tuesday) {
		t.Error("Tuesday admitted by a Monday-only value")
	}
	earlyMonday := time.Date(2024, 3, 4, 8, 59, 59, 0, time.UTC)
	if dr.Admits(earlyMonday) {
		t.Error("08:59:59 admitted by a 09:00 start")
	}
}
