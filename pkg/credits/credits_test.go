package credits

import "testing"

func TestFromDollars_Rounding(t *testing.T) {
	cases := []struct {
		dollars float64
		want    Credits
	}{
		{0, 0},
		{5.00, 500},
		{55.50, 5550},
		{0.005, 1},
		{0.004, 0},
		{-1.25, -125},
		{-0.005, -1},
	}
	for _, c := range cases {
		if got := FromDollars(c.dollars); got != c.want {
			t.Errorf("FromDollars(%v) = %d, want %d", c.dollars, got, c.want)
		}
	}
}

func TestToDollars(t *testing.T) {
	if got := Credits(5550).ToDollars(); got != 55.50 {
		t.Fatalf("ToDollars = %v, want 55.50", got)
	}
}

func TestApplyMarginPercent_RoundsUp(t *testing.T) {
	cases := []struct {
		cost    Credits
		percent int
		want    Credits
	}{
		{100, 30, 130},
		{1, 30, 2},   // 1.3 cents rounds up
		{3, 33, 4},   // 3.99 cents rounds up
		{0, 30, 0},
		{200, 0, 200},
	}
	for _, c := range cases {
		if got := c.cost.ApplyMarginPercent(c.percent); got != c.want {
			t.Errorf("Credits(%d).ApplyMarginPercent(%d) = %d, want %d", c.cost, c.percent, got, c.want)
		}
	}
}
