package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// Clinic hours: 30-minute slots from 09:00 through 16:30, with the 13:00
// and 13:30 lunch slots closed. 14 bookable slots per doctor per day.
const (
	openingHour    = 9
	lastSlotHour   = 16
	lastSlotMinute = 30
	lunchHour      = 13
)

// SlotGrid returns the full bookable grid for one day, in order.
func SlotGrid() []string {
	grid := make([]string, 0, 14)
	for hour := openingHour; hour <= lastSlotHour; hour++ {
		if hour == lunchHour {
			continue
		}
		for _, minute := range []int{0, 30} {
			if hour == lastSlotHour && minute > lastSlotMinute {
				break
			}
			grid = append(grid, fmt.Sprintf("%02d:%02d", hour, minute))
		}
	}
	return grid
}

// IsBookableSlot reports whether t (normalized HH:MM) is on the grid.
func IsBookableSlot(t string) bool {
	for _, slot := range SlotGrid() {
		if slot == t {
			return true
		}
	}
	return false
}

// FreeSlots removes booked times from the grid, preserving grid order.
func FreeSlots(booked []string) []string {
	taken := make(map[string]bool, len(booked))
	for _, b := range booked {
		taken[b] = true
	}
	free := make([]string, 0, 14)
	for _, slot := range SlotGrid() {
		if !taken[slot] {
			free = append(free, slot)
		}
	}
	return free
}

// NormalizeSlotTime accepts "9:00", "09:00", or "9.00" style input and
// returns canonical HH:MM.
func NormalizeSlotTime(input string) (string, bool) {
	s := strings.TrimSpace(strings.ReplaceAll(input, ".", ":"))
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return "", false
	}
	hour, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return "", false
	}
	minute, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return "", false
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d", hour, minute), true
}

// ParseDate parses a strict YYYY-MM-DD calendar date.
func ParseDate(input string) (time.Time, error) {
	return time.Parse(DateLayout, strings.TrimSpace(input))
}
