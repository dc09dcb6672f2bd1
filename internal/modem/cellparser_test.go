package modem

import "testing"

func TestParseCellTable(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  CellTable
	}{
		{
			name:  "single row terminated by lone dash",
			input: "3,1850,201,-9500,-1200,1500-OK",
			want:  CellTable{{"3", "1850", "201", "-9500", "-1200", "1500"}},
		},
		{
			name:  "double dash terminates row and starts next",
			input: "3,100,1--4,200,2-OK",
			want: CellTable{
				{"3", "100", "1"},
				{"4", "200", "2"},
			},
		},
		{
			name:  "comma-dash is a literal negative sign, not a terminator",
			input: "3,100,1,-50,-10,5-OK",
			want:  CellTable{{"3", "100", "1", "-50", "-10", "5"}},
		},
		{
			name:  "crlf and OK suffix stripped",
			input: "1,2,3-\r\nOK\r\n",
			want:  CellTable{{"1", "2", "3"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseCellTable(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("row count = %d, want %d (%v)", len(got), len(tt.want), got)
			}
			for i := range got {
				if len(got[i]) != len(tt.want[i]) {
					t.Fatalf("row %d field count = %d, want %d (%v)", i, len(got[i]), len(tt.want[i]), got[i])
				}
				for j := range got[i] {
					if got[i][j] != tt.want[i][j] {
						t.Errorf("row %d field %d = %q, want %q", i, j, got[i][j], tt.want[i][j])
					}
				}
			}
		})
	}
}

func TestDecodeCellInfoDividesBy100(t *testing.T) {
	table := CellTable{
		{"3", "1850", "201", "-9500", "-1200", "1500"},
	}
	info, ok := DecodeCellInfo(table)
	if !ok {
		t.Fatal("expected decode success")
	}
	if info.RSRP != -95 || info.RSRQ != -12 || info.SINR != 15 {
		t.Errorf("got RSRP=%v RSRQ=%v SINR=%v", info.RSRP, info.RSRQ, info.SINR)
	}
	if info.NetworkType != "lte" {
		t.Errorf("expected lte network type for row within 0..33, got %s", info.NetworkType)
	}
}

func TestStrengthToDbm(t *testing.T) {
	if got := StrengthToDbm(0); got != -113 {
		t.Errorf("StrengthToDbm(0) = %d, want -113", got)
	}
	if got := StrengthToDbm(100); got != 87 {
		t.Errorf("StrengthToDbm(100) = %d, want 87", got)
	}
}
