package stk500v2

// STK500 v2 framing and command bytes (AVR068).
const (
	messageStart = 0x1B
	token        = 0x0E

	cmdSignOn           = 0x01
	cmdSpiMulti         = 0x1D
	cmdLoadAddress      = 0x06
	cmdEnterProgmodeIsp = 0x10
	cmdLeaveProgmodeIsp = 0x11
	cmdProgramFlashIsp  = 0x13
	cmdReadFlashIsp     = 0x14

	statusCmdOk      = 0x00
	answerCksumError = 0xB0

	// AVR serial programming opcodes emitted through SPI_MULTI and the
	// program/read ISP sub-commands.
	spiReadSignature = 0x30
	ispModePaged     = 0xC1
	ispDelay         = 0x0A
	ispCmdLoadPageLo = 0x40
	ispCmdWritePage  = 0x4C
	ispCmdReadLo     = 0x20
)

// Error messages.
const (
	ErrNoSignOn     = "no reply to CMD_SIGN_ON"
	ErrBadSequence  = "reply sequence number mismatch"
	ErrBadChecksum  = "reply checksum invalid"
	ErrPeerChecksum = "programmer reported checksum error"
	ErrBadStatus    = "command status not OK"
)
