package scheduling

import (
	"time"

	"golang.org/x/text/language"
)

// Supported estimate locales, in matcher priority order. The layout slice is
// indexed by the matcher result, so the two must stay in sync.
var (
	estimateLocales = []language.Tag{
		language.AmericanEnglish, // en-US (fallback)
		language.BritishEnglish,  // en-GB
		language.Spanish,         // es
		language.French,          // fr
		language.German,          // de
		language.BrazilianPortuguese,
		language.Japanese,
	}

	estimateLayouts = []string{
		"Jan 2, 2006 at 3:04 PM MST", // en-US
		"2 Jan 2006 at 15:04 MST",    // en-GB
		"02/01/2006 a las 15:04 MST", // es
		"02/01/2006 à 15:04 MST",     // fr
		"02.01.2006 um 15:04 MST",    // de
		"02/01/2006 às 15:04 MST",    // pt-BR
		"2006/01/02 15:04 MST",       // ja
	}

	estimateMatcher = language.NewMatcher(estimateLocales)
)

// FormatDeliveryEstimate renders a dispatch instant as the local wall-clock
// time a recipient in the given zone should expect, formatted for the given
// BCP 47 locale. Unknown locales fall back to en-US. Pure presentation: no
// side effects, and never on a correctness-critical path.
func FormatDeliveryEstimate(instant time.Time, zone string, locale string) (string, error) {
	loc, err := loadZone(zone)
	if err != nil {
		return "", err
	}

	_, index, _ := estimateMatcher.Match(language.Make(locale))
	return instant.In(loc).Format(estimateLayouts[index]), nil
}
