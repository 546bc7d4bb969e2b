package psn

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestGenerateBitInvariants(t *testing.T) {
	log := zerolog.Nop()
	for i := 0; i < 10000; i++ {
		v, err := Generate(log)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if v&Flag == 0 {
			t.Fatalf("psn %#x: bit 0 not set", v)
		}
		if v&^Mask != 0 {
			t.Fatalf("psn %#x: bits 24-31 not clear", v)
		}
		if v == 0 {
			t.Fatalf("psn must never be zero")
		}
	}
}

// TestGenerateDistribution checks that, over a large number of draws, the
// chi-squared statistic on the low 24 bits (bucketed into 256 bins by the
// top byte of the 24-bit value) falls within the 99% interval for a
// uniform distribution.
func TestGenerateDistribution(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping distribution test in short mode")
	}

	const (
		draws = 1_000_000
		bins  = 256
	)
	log := zerolog.Nop()
	var counts [bins]int
	for i := 0; i < draws; i++ {
		v, err := Generate(log)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		bucket := (v & Mask) >> 16 // top byte of the 24-bit value, 0..255
		counts[bucket]++
	}

	expected := float64(draws) / float64(bins)
	var chi2 float64
	for _, c := range counts {
		d := float64(c) - expected
		chi2 += d * d / expected
	}

	// Critical value for 255 degrees of freedom at 99% confidence is ~310.46.
	// Use a generous margin since this isn't a statistics-quality test suite.
	const critical99 = 335.0
	if chi2 > critical99 {
		t.Fatalf("chi-squared statistic %.2f exceeds 99%% critical value %.2f (distribution looks non-uniform)", chi2, critical99)
	}
}
