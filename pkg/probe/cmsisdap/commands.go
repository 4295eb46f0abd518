package cmsisdap

// Command IDs from the CMSIS-DAP command specification.
const (
	cmdInfo              = 0x00
	cmdHostStatus        = 0x01
	cmdConnect           = 0x02
	cmdDisconnect        = 0x03
	cmdTransferConfigure = 0x04
	cmdTransfer          = 0x05
	cmdTransferBlock     = 0x06
	cmdWriteAbort        = 0x08
	cmdSwjPins           = 0x10
	cmdSwjClock          = 0x11
	cmdSwjSequence       = 0x12
	cmdSwdConfigure      = 0x13
	cmdJtagSequence      = 0x14
	cmdJtagConfigure     = 0x15
	cmdSwdSequence       = 0x1D
)

// DAP_Info subcommand IDs.
const (
	infoVendor       = 0x01
	infoProduct      = 0x02
	infoSerial       = 0x03
	infoFirmware     = 0x04
	infoCapabilities = 0xF0
	infoPacketCount  = 0xFE
	infoPacketSize   = 0xFF
)

// DAP_Info capability bits.
const (
	capSWD  = 1 << 0
	capJTAG = 1 << 1
)

// DAP_Connect port values.
const (
	portDefault = 0
	portSWD     = 1
	portJTAG    = 2
)

// DAP_Transfer request bits.
const (
	reqApNDp = 1 << 0
	reqRnW   = 1 << 1
)

// DAP_Transfer response acknowledge codes (low three bits).
const (
	ackOK    = 1
	ackWait  = 2
	ackFault = 4

	// respProtocolError flags a wire-level error alongside the ack.
	respProtocolError = 1 << 3
)

// DAP_SWJ_Pins bit positions.
const (
	pinSwclk  = 1 << 0
	pinSwdio  = 1 << 1
	pinNReset = 1 << 7
)

const dapOK = 0x00

// transferRetries bounds resubmission of a transfer that acknowledged
// WAIT; the probe itself already retries per TransferConfigure.
const transferRetries = 8
