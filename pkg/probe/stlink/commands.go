package stlink

// Top-level command bytes.
const (
	cmdGetVersion       = 0xF1
	cmdDebug            = 0xF2
	cmdDfu              = 0xF3
	cmdGetCurrentMode   = 0xF5
	cmdGetTargetVoltage = 0xF7
	cmdGetVersionExt    = 0xFB
)

// cmdDfu subcommands.
const dfuExit = 0x07

// Device modes reported by cmdGetCurrentMode.
const (
	modeDFU   = 0x00
	modeMass  = 0x01
	modeDebug = 0x02
)

// cmdDebug subcommands (API v2 and later).
const (
	debugReadMem32        = 0x07
	debugWriteMem32       = 0x08
	debugExit             = 0x21
	debugEnter            = 0x30
	debugReadIdCodes      = 0x31
	debugGetLastRwStatus2 = 0x3E
	debugDriveNrst        = 0x3C
	debugSwdSetFreq       = 0x43
	debugJtagSetFreq      = 0x44
	debugReadDapReg       = 0x45
	debugWriteDapReg      = 0x46
	debugInitAp           = 0x4B
	debugCloseAp          = 0x4C
	debugSetComFreq       = 0x61
	debugGetComFreq       = 0x62
)

// debugEnter parameters.
const (
	enterSwdNoReset  = 0xA3
	enterJtagNoReset = 0xA4
)

// debugDriveNrst parameters.
const (
	nrstLow  = 0x00
	nrstHigh = 0x01
)

// Status bytes in the first response byte of debug commands.
const (
	statusOK         = 0x80
	statusFault      = 0x81
	statusSwdApWait  = 0x10
	statusSwdApFault = 0x11
	statusSwdApError = 0x12
	statusSwdDpWait  = 0x14
	statusSwdDpFault = 0x15
	statusSwdDpError = 0x16
	statusBadApError = 0x1D
)

// debugReadDapReg port selector for Debug Port registers; Access Port
// registers use the AP number instead.
const dapPortDP = 0xFFFF

const (
	cmdSize     = 16
	apselMax    = 255
	waitRetries = 8
)

// Feature flag bits derived from the firmware version.
const (
	flagSwdSetFreq = 1 << 0
	flagDapReg     = 1 << 1
	flagApInit     = 1 << 2
	flagComFreq    = 1 << 3 // v3 frequency interface
)
