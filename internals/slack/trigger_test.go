package slack

import "testing"

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text string
		want command
	}{
		{"scan", commandScan},
		{"  Scan now please", commandScan},
		{"rescan", commandScan},
		{"help", commandHelp},
		{"", commandHelp},
		{"deploy to prod", commandUnknown},
	}
	for _, tt := range tests {
		if got := parseCommand(tt.text); got != tt.want {
			t.Errorf("parseCommand(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestStripMention(t *testing.T) {
	if got := stripMention("<@U123> scan", "U123"); got != "scan" {
		t.Errorf("stripMention = %q", got)
	}
	if got := stripMention("<@U999> scan", "U123"); got != "<@U999> scan" {
		t.Errorf("other mention stripped: %q", got)
	}
}

func TestThreadTS(t *testing.T) {
	if threadTS("", "1.2") != "1.2" || threadTS("0.9", "1.2") != "0.9" {
		t.Error("threadTS picked the wrong timestamp")
	}
}
