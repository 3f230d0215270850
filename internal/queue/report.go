package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidRange = errors.New("start date must not be after end date")
	// ErrRangeTooLarge caps report windows at 31 days.
	ErrRangeTooLarge = errors.New("report range must not exceed 31 days")
)

const maxReportDays = 31

// DailyReport is the status breakdown for one date in a report range.
type DailyReport struct {
	Date  string       `json:"date"`
	Stats StatusCounts `json:"stats"`
}

// Report aggregates queue entries over a date range: per-date counts by
// status plus range totals. Pure read-side derivation over the ledger.
type Report struct {
	StartDate string        `json:"startDate"`
	EndDate   string        `json:"endDate"`
	Daily     []DailyReport `json:"dailyStats"`
	Totals    StatusCounts  `json:"totalStats"`
}

func (s *Service) Report(ctx context.Context, rawStart, rawEnd string) (*Report, error) {
	start, err := ParseDate(rawStart)
	if err != nil {
		return nil, err
	}
	end, err := ParseDate(rawEnd)
	if err != nil {
		return nil, err
	}

	startT, _ := time.Parse(dateLayout, start)
	endT, _ := time.Parse(dateLayout, end)
	if startT.After(endT) {
		return nil, ErrInvalidRange
	}
	if endT.Sub(startT) > maxReportDays*24*time.Hour {
		return nil, ErrRangeTooLarge
	}

	entries, err := s.repo.ListEntriesInRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("list entries in range: %w", err)
	}

	report := &Report{StartDate: start, EndDate: end}

	var day *DailyReport
	for i := range entries {
		e := &entries[i]
		if day == nil || day.Date != e.AppointmentDate {
			report.Daily = append(report.Daily, DailyReport{Date: e.AppointmentDate})
			day = &report.Daily[len(report.Daily)-1]
		}
		day.Stats.add(e.Status)
		report.Totals.add(e.Status)
	}

	return report, nil
}
