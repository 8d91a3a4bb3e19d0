package hal

import "testing"

func TestCommand_String(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{CmdGoIdleState, "CMD0"},
		{CmdReadMultiBlock, "CMD18"},
		{CmdAppCmd, "CMD55"},
		{AppCmdSDSendOpCond, "ACMD41"},
		{AppCmdSetBusWidth, "ACMD6"},
		{AppCmdSetWrBlkErase, "ACMD23"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.cmd.String(); got != tt.want {
				t.Errorf("Command(%#x).String() = %q, want %q", uint8(tt.cmd), got, tt.want)
			}
		})
	}
}

func TestCommand_IndexAndApp(t *testing.T) {
	if AppCmdSetWrBlkErase.Index() != CmdSetBlockCount.Index() {
		t.Errorf("ACMD23 index = %d, want %d", AppCmdSetWrBlkErase.Index(), CmdSetBlockCount.Index())
	}
	if !AppCmdSetWrBlkErase.IsApp() {
		t.Error("ACMD23 IsApp() = false")
	}
	if CmdSetBlockCount.IsApp() {
		t.Error("CMD23 IsApp() = true")
	}
	if AppCmdSetWrBlkErase == CmdSetBlockCount {
		t.Error("ACMD23 and CMD23 must differ")
	}
}

func TestResponseType_String(t *testing.T) {
	tests := []struct {
		kind ResponseType
		want string
	}{
		{ResponseNone, "none"},
		{ResponseR1, "R1"},
		{ResponseR1b, "R1b"},
		{ResponseR2, "R2"},
		{ResponseR3, "R3"},
		{ResponseR6, "R6"},
		{ResponseR7, "R7"},
		{ResponseType(99), "R?(99)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.want {
				t.Errorf("ResponseType(%d).String() = %q, want %q", tt.kind, got, tt.want)
			}
		})
	}
}

func TestResponse_Word(t *testing.T) {
	var r Response
	r.SetWord(0x80FF8000)
	if r[0] != 0x80 || r[1] != 0xFF || r[2] != 0x80 || r[3] != 0x00 {
		t.Errorf("SetWord bytes = % X, want 80 FF 80 00", r[:4])
	}
	if got := r.Word(); got != 0x80FF8000 {
		t.Errorf("Word() = %#x, want 0x80FF8000", got)
	}
}

func TestStatusState(t *testing.T) {
	tests := []struct {
		name   string
		status uint32
		want   uint32
	}{
		{"idle", 0, CardStateIdle},
		{"tran", CardStateTran << 9, CardStateTran},
		{"tran with ready", CardStateTran<<9 | StatusReadyForData, CardStateTran},
		{"prg with errors", CardStatePrg<<9 | StatusError | StatusOutOfRange, CardStatePrg},
		{"dis", CardStateDis << 9, CardStateDis},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusState(tt.status); got != tt.want {
				t.Errorf("StatusState(%#x) = %d, want %d", tt.status, got, tt.want)
			}
		})
	}
}

func TestStatusStateMatchesByteMask(t *testing.T) {
	// Byte 2 of the response carries bits 15:8, so tran appears as 0x08
	// under the 0x1E mask.
	var r Response
	r.SetWord(CardStateTran<<9 | StatusReadyForData)
	if r[2]&0x1E != 0x08 {
		t.Errorf("response byte 2 = %#x, want tran encoding 0x08 under mask 0x1E", r[2])
	}
}
