package script

import (
	"reflect"
	"testing"
)

func TestScanImplicitIdentifiers(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []string
	}{
		{"simple", "$AAPL.last - $MSFT.last", []string{"$AAPL", "$MSFT"}},
		{"distinct in order", "$B + $A + $B", []string{"$B", "$A"}},
		{"lone sigil ignored", "var $ = 1; $ + $x", []string{"$x"}},
		{"strings skipped", `"$AAPL" + '$MSFT' + $SPY`, []string{"$SPY"}},
		{"escaped quote", `"a\"$X" + $Y`, []string{"$Y"}},
		{"line comment", "// $AAPL\n$VIX", []string{"$VIX"}},
		{"block comment", "/* $AAPL \n $MSFT */ $QQQ", []string{"$QQQ"}},
		{"template literal", "`price ${$AAPL.last} of $MSFT`", []string{"$AAPL"}},
		{"nested template", "`${ `${$A}` + {a: $B}.a }`", []string{"$A", "$B"}},
		{"member access", "obj.$hidden + $shown", []string{"$shown"}},
		{"digits", "$ES1 + 1e5 + $2x", []string{"$ES1", "$2x"}},
		{"underscore and dollar", "$_x + $a$b", []string{"$_x", "$a$b"}},
		{"inside functions", "computed(async () => { if ($AAPL.last > 1) {} })", []string{"$AAPL"}},
		{"none", "var x = 1", nil},
		{"unterminated string", "$A + 'abc", []string{"$A"}},
		{"regex with quote", `/"/.test(s); $AAPL`, []string{"$AAPL"}},
		{"regex after paren", "s.match(/'$X/g) && $Y", []string{"$Y"}},
		{"regex class with slash", "if (/[/$]+/.test(s)) $Z", []string{"$Z"}},
		{"regex after return", "function f() { return /`/ } $R", []string{"$R"}},
		{"division", "$A / 2 / $B", []string{"$A", "$B"}},
		{"division after call", "f($A) / g($B)", []string{"$A", "$B"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScanImplicitIdentifiers(tt.src)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("ScanImplicitIdentifiers(%q) = %v, want %v", tt.src, got, tt.want)
			}
		})
	}
}
