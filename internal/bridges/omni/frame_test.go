package omni

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
	"time"
)

const testIMEI = "860000000000001"

func TestEncode(t *testing.T) {
	now := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)

	tests := []struct {
		name   string
		code   Code
		params []string
		want   string
	}{
		{
			name:   "unlock with reset, user and timestamp",
			code:   CodeUnlock,
			params: []string{"0", "0", "1709647629"},
			want:   "\xff\xff*CMDS,OM,860000000000001,240305140709,L0,0,0,1709647629#\n",
		},
		{
			name: "lock without parameters",
			code: CodeLock,
			want: "\xff\xff*CMDS,OM,860000000000001,240305140709,L1#\n",
		},
		{
			name: "status query",
			code: CodeStatus,
			want: "\xff\xff*CMDS,OM,860000000000001,240305140709,S5#\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Encode(testIMEI, tt.code, tt.params, now)
			if string(got) != tt.want {
				t.Errorf("Encode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEncodeUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*60*60)
	now := time.Date(2024, 3, 5, 23, 59, 59, 0, time.UTC).In(loc)

	got := string(Encode(testIMEI, CodeLock, nil, now))
	if !bytes.Contains([]byte(got), []byte(",240306075959,")) {
		t.Errorf("Encode() = %q, want timestamp in frame's location", got)
	}
}

func TestCommandEncode(t *testing.T) {
	now := time.Date(2020, 3, 18, 12, 30, 20, 0, time.UTC)
	params := []string{"1", "7", "1584534620"}
	cmd := NewCommand(testIMEI, CodeUnlock, now, params...)

	// The command owns its parameters.
	params[0] = "x"

	want := Encode(testIMEI, CodeUnlock, []string{"1", "7", "1584534620"}, now)
	if got := cmd.Encode(); !bytes.Equal(got, want) {
		t.Errorf("Command.Encode() = %q, want %q", got, want)
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Response
	}{
		{
			name:  "check-in",
			frame: "*CMDR,OM,860000000000001,200318123020,Q0,412#",
			want: Response{
				IMEI:       testIMEI,
				Code:       CodeCheckIn,
				Timestamp:  "200318123020",
				Parameters: []string{"412"},
			},
		},
		{
			name:  "binary prefix and trailing newline",
			frame: "\xff\xff*CMDR,OM,860000000000001,200318123020,L0,0,0,1584534620#\r\n",
			want: Response{
				IMEI:       testIMEI,
				Code:       CodeUnlock,
				Timestamp:  "200318123020",
				Parameters: []string{"0", "0", "1584534620"},
			},
		},
		{
			name:  "without terminator",
			frame: "*CMDR,OM,860000000000001,200318123020,L1,0",
			want: Response{
				IMEI:       testIMEI,
				Code:       CodeLock,
				Timestamp:  "200318123020",
				Parameters: []string{"0"},
			},
		},
		{
			name:  "no parameters",
			frame: "  *CMDR,OM,860000000000001,200318123020,S5#",
			want: Response{
				IMEI:      testIMEI,
				Code:      CodeStatus,
				Timestamp: "200318123020",
			},
		},
		{
			name:  "heartbeat",
			frame: "*CMDR,OM,860000000000001,200318123020,H0,1,395,21,0#",
			want: Response{
				IMEI:       testIMEI,
				Code:       CodeHeartbeat,
				Timestamp:  "200318123020",
				Parameters: []string{"1", "395", "21", "0"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.frame))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Decode() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"empty", ""},
		{"whitespace", " \r\n"},
		{"garbage", "hello world#"},
		{"outbound header", "*CMDS,OM,860000000000001,200318123020,L0#"},
		{"header with suffix", "*CMDRX,OM,860000000000001,200318123020,Q0#"},
		{"too few fields", "*CMDR,OM,860000000000001,200318123020#"},
		{"empty imei", "*CMDR,OM,,200318123020,Q0,412#"},
		{"empty code", "*CMDR,OM,860000000000001,200318123020,,412#"},
		{"binary only", "\xff\xff\x00\x01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("Decode(%q) error = %v, want ErrMalformedFrame", tt.frame, err)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Date(2021, 11, 2, 8, 0, 1, 0, time.UTC)

	tests := []struct {
		code   Code
		params []string
	}{
		{CodeUnlock, []string{"0", "0", "1635840001"}},
		{CodeLock, nil},
		{CodeStatus, nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			frame := Encode(testIMEI, tt.code, tt.params, now)
			// A lock echoes the layout with the inbound header.
			frame = bytes.Replace(frame, []byte(outboundHeader), []byte(inboundHeader), 1)

			got, err := Decode(frame)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got.IMEI != testIMEI || got.Code != tt.code {
				t.Errorf("got imei=%q code=%q", got.IMEI, got.Code)
			}
			if got.Timestamp != "211102080001" {
				t.Errorf("Timestamp = %q", got.Timestamp)
			}
			if !reflect.DeepEqual(got.Parameters, tt.params) {
				t.Errorf("Parameters = %v, want %v", got.Parameters, tt.params)
			}
		})
	}
}

func TestResponseParam(t *testing.T) {
	r := Response{Parameters: []string{"0", "5"}}
	if r.Param(0) != "0" || r.Param(1) != "5" {
		t.Errorf("Param() returned wrong values")
	}
	if r.Param(2) != "" || r.Param(-1) != "" {
		t.Errorf("Param() out of range should be empty")
	}
}

func TestCodeIsCommand(t *testing.T) {
	for _, c := range []Code{CodeUnlock, CodeLock, CodeStatus} {
		if !c.IsCommand() {
			t.Errorf("%s.IsCommand() = false", c)
		}
	}
	for _, c := range []Code{CodeCheckIn, CodeHeartbeat, Code("W0")} {
		if c.IsCommand() {
			t.Errorf("%s.IsCommand() = true", c)
		}
	}
}
