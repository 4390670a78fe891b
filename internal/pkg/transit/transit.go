package transit

import (
	"fmt"
	"strings"
	"time"

	"github.com/kutay-ship-it/capsulenote-sub006/app/models"
)

// MinLeadTime is the shortest delay between now and a send date.
const MinLeadTime = 5 * time.Minute

const internationalBufferDays = 2

type Region string

const (
	RegionDomestic     Region = "domestic"
	RegionNorthAmerica Region = "north_america"
	RegionEurope       Region = "europe"
	RegionAsiaPacific  Region = "asia_pacific"
	RegionOther        Region = "other"
)

type estimate struct {
	transitDays int
	bufferDays  int
}

var domesticEstimates = map[string]estimate{
	models.MailClassFirstClass: {transitDays: 5, bufferDays: 3},
	models.MailClassStandard:   {transitDays: 8, bufferDays: 4},
}

var internationalExtraDays = map[Region]int{
	RegionNorthAmerica: 5,
	RegionEurope:       7,
	RegionAsiaPacific:  10,
	RegionOther:        12,
}

var countryRegions = map[string]Region{
	"US": RegionDomestic,

	"CA": RegionNorthAmerica, "MX": RegionNorthAmerica,

	"GB": RegionEurope, "UK": RegionEurope, "DE": RegionEurope, "FR": RegionEurope,
	"IT": RegionEurope, "ES": RegionEurope, "NL": RegionEurope, "BE": RegionEurope,
	"AT": RegionEurope, "CH": RegionEurope, "IE": RegionEurope, "PT": RegionEurope,
	"SE": RegionEurope, "NO": RegionEurope, "DK": RegionEurope, "FI": RegionEurope,
	"PL": RegionEurope,

	"AU": RegionAsiaPacific, "NZ": RegionAsiaPacific, "JP": RegionAsiaPacific,
	"KR": RegionAsiaPacific, "SG": RegionAsiaPacific, "HK": RegionAsiaPacific,
	"TW": RegionAsiaPacific,
}

// Estimate is the transit breakdown for a mail class and destination.
type Estimate struct {
	MailClass     string `json:"mail_class"`
	Region        Region `json:"region"`
	TransitDays   int    `json:"transit_days"`
	BufferDays    int    `json:"buffer_days"`
	TotalLeadDays int    `json:"total_lead_days"`
}

// Result describes when a letter has to be sent to arrive by a target date.
type Result struct {
	TargetArrival           time.Time  `json:"target_arrival"`
	SendDate                time.Time  `json:"send_date"`
	TransitDays             int        `json:"transit_days"`
	BufferDays              int        `json:"buffer_days"`
	MailClass               string     `json:"mail_class"`
	Region                  Region     `json:"region"`
	International           bool       `json:"international"`
	IsTooLate               bool       `json:"is_too_late"`
	EarliestPossibleArrival *time.Time `json:"earliest_possible_arrival,omitempty"`
}

// RegionFromCountry maps an ISO country code onto a destination region.
// Empty codes are domestic and unknown codes fall into RegionOther.
func RegionFromCountry(countryCode string) Region {
	code := strings.ToUpper(strings.TrimSpace(countryCode))
	if code == "" {
		return RegionDomestic
	}
	if r, ok := countryRegions[code]; ok {
		return r
	}
	return RegionOther
}

// ValidMailClass reports whether class is a supported mail class.
func ValidMailClass(class string) bool {
	_, ok := domesticEstimates[class]
	return ok
}

// EstimateFor returns the lead time breakdown. International destinations
// always use first class.
func EstimateFor(class, countryCode string) (Estimate, error) {
	if !ValidMailClass(class) {
		return Estimate{}, fmt.Errorf("unknown mail class %q", class)
	}
	region := RegionFromCountry(countryCode)
	if region != RegionDomestic {
		class = models.MailClassFirstClass
	}
	base := domesticEstimates[class]

	e := Estimate{
		MailClass:   class,
		Region:      region,
		TransitDays: base.transitDays,
		BufferDays:  base.bufferDays,
	}
	if region != RegionDomestic {
		e.TransitDays += internationalExtraDays[region]
		e.BufferDays += internationalBufferDays
	}
	e.TotalLeadDays = e.TransitDays + e.BufferDays
	return e, nil
}

// MinimumLeadDays is the number of calendar days between send and arrival.
func MinimumLeadDays(class, countryCode string) (int, error) {
	e, err := EstimateFor(class, countryCode)
	if err != nil {
		return 0, err
	}
	return e.TotalLeadDays, nil
}

// CalculateArriveBy computes the domestic send date for target. It is a
// pure function of its arguments.
func CalculateArriveBy(now, target time.Time, class string) (Result, error) {
	return CalculateArriveByTo(now, target, class, "")
}

// CalculateArriveByTo is CalculateArriveBy for a destination country.
func CalculateArriveByTo(now, target time.Time, class, countryCode string) (Result, error) {
	e, err := EstimateFor(class, countryCode)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		TargetArrival: target,
		SendDate:      target.AddDate(0, 0, -e.TotalLeadDays),
		TransitDays:   e.TransitDays,
		BufferDays:    e.BufferDays,
		MailClass:     e.MailClass,
		Region:        e.Region,
		International: e.Region != RegionDomestic,
	}

	earliestSend := now.Add(MinLeadTime)
	if res.SendDate.Before(earliestSend) {
		earliest := now.AddDate(0, 0, e.TotalLeadDays)
		res.IsTooLate = true
		res.SendDate = earliestSend
		res.EarliestPossibleArrival = &earliest
	}
	return res, nil
}

type DeliveryMode string

const (
	ModeSendOn   DeliveryMode = "send_on"
	ModeArriveBy DeliveryMode = "arrive_by"
)

// ScheduleDate returns when the send job must run. send_on uses the chosen
// date as is; arrive_by works back from it.
func ScheduleDate(now time.Time, mode DeliveryMode, chosen time.Time, class, countryCode string) (time.Time, error) {
	switch mode {
	case ModeSendOn:
		return chosen, nil
	case ModeArriveBy:
		res, err := CalculateArriveByTo(now, chosen, class, countryCode)
		if err != nil {
			return time.Time{}, err
		}
		return res.SendDate, nil
	default:
		return time.Time{}, fmt.Errorf("unknown delivery mode %q", mode)
	}
}
