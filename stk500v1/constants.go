package stk500v1

// STK500 v1 command and response bytes (AVR061).
const (
	cmdGetSync        = 0x30 // '0'
	cmdSetDevice      = 0x42 // 'B'
	cmdEnterProgmode  = 0x50 // 'P'
	cmdLeaveProgmode  = 0x51 // 'Q'
	cmdLoadAddress    = 0x55 // 'U'
	cmdProgPage       = 0x64 // 'd'
	cmdReadPage       = 0x74 // 't'
	cmdReadSign       = 0x75 // 'u'
	syncCrcEop        = 0x20 // ' '
	respInSync        = 0x14
	respOk            = 0x10
	memtypeFlash      = 0x46 // 'F'
	deviceParamLength = 20
)

// Error messages.
const (
	ErrNoSync        = "no sync reply from bootloader"
	ErrBadSignature  = "device signature mismatch"
	ErrBadReply      = "unexpected bootloader reply"
	ErrReplyOverflow = "reply longer than expected"
)
