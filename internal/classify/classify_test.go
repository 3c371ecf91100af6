package classify

import "testing"

func TestDisasterType(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"Magnitude 6.2 earthquake, aftershocks still shaking the city", Earthquake},
		{"Grabe ang baha dito sa Marikina, rising water na sa kalsada", Flood},
		{"Signal no. 4 na si bagyo, storm surge warning sa coastal areas", Typhoon},
		{"May sunog sa Tondo, black smoke everywhere, fire truck on the way", Fire},
		{"Taal volcano ashfall reaching Cavite, PHIVOLCS alert level raised", VolcanicEruption},
		{"Pagguho ng lupa sa Benguet after days of rain, debris flow sa highway", Landslide},
		{"Traffic is heavy on EDSA today", ""},
	}
	for _, c := range cases {
		if got := DisasterType(c.text); got != c.want {
			t.Errorf("DisasterType(%q) = %q, want %q", c.text, got, c.want)
		}
	}
}

func TestSentiment(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"TULONG!! We are trapped on the roof, saklolo!", Panic},
		{"Natatakot ako, the water keeps rising and we're worried", FearAnxiety},
		{"Hindi ako makapaniwala, is this real??", Disbelief},
		{"Kakayanin natin to, babangon tayo. Relief goods are on the way", Resilience},
		{"Classes suspended in NCR tomorrow", Neutral},
	}
	for _, c := range cases {
		if got := Sentiment(c.text); got != c.want {
			t.Errorf("Sentiment(%q) = %q, want %q", c.text, got, c.want)
		}
	}
}

func TestShoutingUpgradesFearToPanic(t *testing.T) {
	if got := Sentiment("SCARED THE WATER IS RISING FAST"); got != Panic {
		t.Errorf("shouting fear = %q, want Panic", got)
	}
	if got := Sentiment("a bit scared but holding on"); got != FearAnxiety {
		t.Errorf("calm fear = %q, want Fear/Anxiety", got)
	}
}
