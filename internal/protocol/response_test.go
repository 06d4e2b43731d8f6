package protocol

import "testing"

func TestParseResponse(t *testing.T) {
	cases := []struct {
		line   string
		ok     bool
		status string
		fields []string
	}{
		{"SUCCESS", true, "SUCCESS", nil},
		{"SUCCESS,12.3456,0.3127,0.3290", true, "SUCCESS", []string{"12.3456", "0.3127", "0.3290"}},
		{"SUCCESS, Backlight ON", true, "SUCCESS", []string{"Backlight ON"}},
		{"FAILURE,timeout", false, "FAILURE", []string{"timeout"}},
		{"ERROR,Not connected", false, "ERROR", []string{"Not connected"}},
		{"SUCCESS Connected", true, "SUCCESS Connected", nil},
		{"SUCCESS:ok", true, "SUCCESS:ok", nil},
		{"SUCCESSFUL", true, "SUCCESSFUL", nil},
		{"FAILURE,SUCCESS", false, "FAILURE", []string{"SUCCESS"}},
		{"", false, "", nil},
	}
	for _, tc := range cases {
		r := ParseResponse(tc.line)
		if r.OK != tc.ok || r.Status != tc.status || r.Raw != tc.line {
			t.Fatalf("%q: got %+v", tc.line, r)
		}
		if len(r.Fields) != len(tc.fields) {
			t.Fatalf("%q: fields %q want %q", tc.line, r.Fields, tc.fields)
		}
		for i := range tc.fields {
			if r.Fields[i] != tc.fields[i] {
				t.Fatalf("%q: field %d = %q want %q", tc.line, i, r.Fields[i], tc.fields[i])
			}
		}
	}
}

func TestExactStatus(t *testing.T) {
	exact := map[string]bool{
		"SUCCESS":           true,
		"SUCCESS,1,2,3":     true,
		"SUCCESS Connected": false,
		"SUCCESSFUL,1,2,3":  false,
		"FAILURE,timeout":   false,
		"":                  false,
	}
	for line, want := range exact {
		if got := ParseResponse(line).Exact(); got != want {
			t.Fatalf("%q: Exact() = %v want %v", line, got, want)
		}
	}
}

func TestReasonKeepsCommas(t *testing.T) {
	r := ParseResponse("ERROR,Integration time value is missing. Use 'INTEG AUTO', or 'INTEG <seconds>'.")
	if r.Reason() != "Integration time value is missing. Use 'INTEG AUTO', or 'INTEG <seconds>'." {
		t.Fatalf("unexpected reason %q", r.Reason())
	}
}

func TestCommandStrings(t *testing.T) {
	cases := map[string]Command{
		"CONNECT":      Connect(),
		"DISCONNECT":   Disconnect(),
		"MEASURE":      Measure(),
		"EXIT":         Exit(),
		"INTEG 0.5":    Integ("0.5"),
		"INTEG AUTO":   Integ(IntegAuto),
		"BACKLIGHTON":  Backlight(true),
		"BACKLIGHTOFF": Backlight(false),
	}
	for want, cmd := range cases {
		if cmd.String() != want {
			t.Fatalf("got %q want %q", cmd.String(), want)
		}
	}
}
