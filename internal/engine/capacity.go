package engine

import (
	"context"
	"fmt"
	"time"

	"shopfloor/internal/domain"
	"shopfloor/internal/metrics"
	"shopfloor/internal/repo"
)

type CapacityQuery struct {
	MachineType   string `validate:"required"`
	HoursRequired float64
	WindowStart   string
	WindowEnd     string
}

// CheckCapacity reports which operational machines of a type are free
// of scheduled work for a time window. The window defaults to now plus
// the required hours. The answer is advisory; nothing is locked or
// reserved.
func (e Engine) CheckCapacity(ctx context.Context, q CapacityQuery) (domain.Availability, error) {
	if err := validateStruct(q); err != nil {
		return domain.Availability{}, err
	}

	start := e.now().UTC()
	if q.WindowStart != "" {
		t, err := parseTime("window_start", q.WindowStart)
		if err != nil {
			return domain.Availability{}, err
		}
		start = t.UTC()
	}
	var end time.Time
	switch {
	case q.WindowEnd != "":
		t, err := parseTime("window_end", q.WindowEnd)
		if err != nil {
			return domain.Availability{}, err
		}
		end = t.UTC()
	case q.HoursRequired > 0:
		end = start.Add(time.Duration(q.HoursRequired * float64(time.Hour)))
	default:
		return domain.Availability{}, &domain.ValidationError{Field: "hours_required", Reason: "required when window_end is not given"}
	}
	if !end.After(start) {
		return domain.Availability{}, &domain.ValidationError{Field: "window_end", Reason: "must be after window_start"}
	}

	machines, err := e.Repo.ListMachines(ctx, repo.MachineFilters{Type: q.MachineType, Status: domain.MachineOperational})
	if err != nil {
		return domain.Availability{}, err
	}

	out := domain.Availability{
		MachineType: q.MachineType,
		WindowStart: start.Format(time.RFC3339),
		WindowEnd:   end.Format(time.RFC3339),
		Machines:    []domain.MachineAvailability{},
		Unavailable: []domain.MachineAvailability{},
	}
	if len(machines) == 0 {
		out.Message = fmt.Sprintf("no operational machines of type %q", q.MachineType)
		metrics.CapacityChecks.WithLabelValues("no_machines").Inc()
		return out, nil
	}

	for _, m := range machines {
		items, err := e.Repo.ListActiveItems(ctx, m.ID)
		if err != nil {
			return domain.Availability{}, err
		}
		conflicts := 0
		for _, it := range items {
			if overlaps(it, start, end) {
				conflicts++
			}
		}
		detail := domain.MachineAvailability{
			MachineID:    m.ID,
			BusinessID:   m.BusinessID,
			Name:         m.Name,
			Capacity:     m.Capacity,
			CapacityUnit: m.CapacityUnit,
			Conflicts:    conflicts,
		}
		if conflicts == 0 {
			out.Machines = append(out.Machines, detail)
		} else {
			out.Unavailable = append(out.Unavailable, detail)
		}
	}
	out.Available = len(out.Machines) > 0
	if !out.Available {
		out.Message = fmt.Sprintf("all %d operational machines have conflicting scheduled work", len(machines))
		metrics.CapacityChecks.WithLabelValues("unavailable").Inc()
	} else {
		metrics.CapacityChecks.WithLabelValues("available").Inc()
	}
	return out, nil
}

// overlaps reports whether an item's scheduled window intersects
// [start, end). Items without a complete, parseable window never
// conflict.
func overlaps(it domain.QueueItem, start, end time.Time) bool {
	if it.ScheduledStart == nil || it.ScheduledEnd == nil {
		return false
	}
	s, err := time.Parse(time.RFC3339, *it.ScheduledStart)
	if err != nil {
		return false
	}
	t, err := time.Parse(time.RFC3339, *it.ScheduledEnd)
	if err != nil {
		return false
	}
	return s.Before(end) && t.After(start)
}
