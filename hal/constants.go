package hal

// Commands used by the driver core (SD Physical Layer Specification and
// JEDEC eMMC command sets).
const (
	CmdGoIdleState      Command = 0               // GO_IDLE_STATE
	CmdSendOpCond       Command = 1               // SEND_OP_COND (MMC)
	CmdAllSendCID       Command = 2               // ALL_SEND_CID
	CmdSendRelativeAddr Command = 3               // SEND_RELATIVE_ADDR / SET_RELATIVE_ADDR (MMC)
	AppCmdSetBusWidth   Command = 6 | AppCommand  // SET_BUS_WIDTH (SD)
	CmdSelectCard       Command = 7               // SELECT/DESELECT_CARD
	CmdSendIfCond       Command = 8               // SEND_IF_COND (SD v2)
	CmdSendCSD          Command = 9               // SEND_CSD
	CmdSendCID          Command = 10              // SEND_CID
	CmdStopTransmission Command = 12              // STOP_TRANSMISSION
	CmdSendStatus       Command = 13              // SEND_STATUS
	AppCmdSDStatus      Command = 13 | AppCommand // SD_STATUS (SD)
	CmdSetBlockLen      Command = 16              // SET_BLOCKLEN
	CmdReadSingleBlock  Command = 17              // READ_SINGLE_BLOCK
	CmdReadMultiBlock   Command = 18              // READ_MULTIPLE_BLOCK
	CmdSetBlockCount    Command = 23              // SET_BLOCK_COUNT (MMC)
	AppCmdSetWrBlkErase Command = 23 | AppCommand // SET_WR_BLK_ERASE_COUNT (SD)
	CmdWriteBlock       Command = 24              // WRITE_BLOCK
	CmdWriteMultiBlock  Command = 25              // WRITE_MULTIPLE_BLOCK
	AppCmdSDSendOpCond  Command = 41 | AppCommand // SD_SEND_OP_COND (SD)
	AppCmdSetClrCardDet Command = 42 | AppCommand // SET_CLR_CARD_DETECT (SD)
	CmdAppCmd           Command = 55              // APP_CMD
)

// Card status bits carried in an R1 response (SD physical layer table 4-42).
const (
	StatusOutOfRange      uint32 = 1 << 31
	StatusAddressError    uint32 = 1 << 30
	StatusBlockLenError   uint32 = 1 << 29
	StatusEraseSeqError   uint32 = 1 << 28
	StatusEraseParam      uint32 = 1 << 27
	StatusWPViolation     uint32 = 1 << 26
	StatusCardIsLocked    uint32 = 1 << 25
	StatusLockUnlockFail  uint32 = 1 << 24
	StatusComCRCError     uint32 = 1 << 23
	StatusIllegalCommand  uint32 = 1 << 22
	StatusCardECCFailed   uint32 = 1 << 21
	StatusCCError         uint32 = 1 << 20
	StatusError           uint32 = 1 << 19
	StatusCSDOverwrite    uint32 = 1 << 16
	StatusReadyForData    uint32 = 1 << 8
	StatusAppCmd          uint32 = 1 << 5
	StatusCurrentStateMsk uint32 = 0xF << 9
)

// CurrentState values in bits 12:9 of the card status.
const (
	CardStateIdle  = 0
	CardStateReady = 1
	CardStateIdent = 2
	CardStateStby  = 3
	CardStateTran  = 4
	CardStateData  = 5
	CardStateRcv   = 6
	CardStatePrg   = 7
	CardStateDis   = 8
)

// StatusState extracts CURRENT_STATE from an R1 card status word.
func StatusState(status uint32) uint32 {
	return (status & StatusCurrentStateMsk) >> 9
}

// OCR bits carried in an R3 response.
const (
	OCRPowerUpDone  uint32 = 1 << 31 // Card power-up status (busy bit, set when done)
	OCRHighCapacity uint32 = 1 << 30 // Card capacity status (CCS) / host capacity support (HCS)
	OCRVoltageMask  uint32 = 0x00FF8000
)

// Interface condition check (CMD8): 2.7-3.6V and the 0xAA check pattern.
const (
	IfCondVoltage uint32 = 0x1
	IfCondPattern uint32 = 0xAA
	IfCondArg     uint32 = IfCondVoltage<<8 | IfCondPattern
)
