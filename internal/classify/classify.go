// Package classify annotates post text with a disaster type and a
// sentiment using keyword heuristics. English and Filipino keywords are
// both recognized.
package classify

import "strings"

// The six disaster types the dashboard charts know about.
const (
	Earthquake       = "Earthquake"
	Flood            = "Flood"
	Typhoon          = "Typhoon"
	Fire             = "Fire"
	VolcanicEruption = "Volcanic Eruption"
	Landslide        = "Landslide"
)

// Sentiment categories.
const (
	Panic       = "Panic"
	FearAnxiety = "Fear/Anxiety"
	Disbelief   = "Disbelief"
	Resilience  = "Resilience"
	Neutral     = "Neutral"
)

var disasterKeywords = map[string][]string{
	Earthquake: {
		"earthquake", "quake", "tremor", "seismic", "aftershock", "shaking",
		"magnitude", "lindol", "lumindol", "pagyanig", "ground shaking",
	},
	Flood: {
		"flood", "flooding", "flash flood", "inundation", "rising water",
		"submerged", "underwater", "baha", "binaha", "bumabaha", "nagbaha",
		"pagbaha", "nabahaan",
	},
	Typhoon: {
		"typhoon", "super typhoon", "storm", "storm surge", "cyclone",
		"hurricane", "heavy rain", "strong wind", "signal no", "bagyo",
		"habagat", "malakas na hangin", "malakas na ulan", "matinding ulan",
	},
	Fire: {
		"fire", "blaze", "burning", "flame", "smoke", "house fire",
		"building fire", "fire truck", "sunog", "nasusunog", "nasunog",
		"nagliliyab", "apoy", "usok",
	},
	VolcanicEruption: {
		"volcano", "volcanic", "eruption", "erupting", "erupted", "lava",
		"magma", "ashfall", "volcanic ash", "phivolcs", "bulkan", "bulkang",
		"taal", "mayon", "pinatubo", "abo ng bulkan",
	},
	Landslide: {
		"landslide", "mudslide", "avalanche", "erosion", "rock slide",
		"debris flow", "soil erosion", "guho", "pagguho", "pagguho ng lupa",
		"bumagsak na lupa",
	},
}

var sentimentKeywords = map[string][]string{
	Panic: {
		"help", "tulong", "saklolo", "rescue us", "trapped", "we are trapped",
		"emergency", "sos", "naiipit", "hindi kami makalabas", "please help",
	},
	FearAnxiety: {
		"scared", "afraid", "frightened", "terrified", "worried", "anxious",
		"takot", "natatakot", "kabado", "kinakabahan", "nakakatakot",
	},
	Disbelief: {
		"unbelievable", "can't believe", "cannot believe", "hindi kapani-paniwala",
		"hindi ako makapaniwala", "is this real", "totoo ba", "grabe naman",
	},
	Resilience: {
		"stay strong", "we will rebuild", "kakayanin", "kaya natin", "babangon",
		"volunteers", "donations", "relief goods", "safe na kami", "salamat sa",
		"prayers for", "laban lang",
	},
}

// DisasterType returns the disaster type whose keywords best match the
// text, or "" when nothing matches.
func DisasterType(text string) string {
	best, _ := top(text, disasterKeywords)
	return best
}

// Sentiment returns the dominant sentiment for the text. Text with no
// emotional markers is Neutral.
func Sentiment(text string) string {
	best, score := top(text, sentimentKeywords)
	if score == 0 {
		return Neutral
	}
	// Repeated exclamation or all-caps shouting pushes fear into panic.
	if best == FearAnxiety && (strings.Contains(text, "!!") || isShouting(text)) {
		return Panic
	}
	return best
}

func top(text string, keywords map[string][]string) (string, int) {
	padded := " " + strings.ToLower(text) + " "
	best, bestScore := "", 0
	for label, words := range keywords {
		score := 0
		for _, w := range words {
			if strings.Contains(padded, w) {
				score++
			}
		}
		if score > bestScore || (score == bestScore && score > 0 && label < best) {
			best, bestScore = label, score
		}
	}
	if bestScore == 0 {
		return "", 0
	}
	return best, bestScore
}

func isShouting(text string) bool {
	letters, upper := 0, 0
	for _, r := range text {
		switch {
		case r >= 'a' && r <= 'z':
			letters++
		case r >= 'A' && r <= 'Z':
			letters++
			upper++
		}
	}
	return letters >= 10 && upper*2 > letters
}
