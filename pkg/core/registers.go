package core

// RegisterID names one core register in the architecture's debug numbering:
// the DCRSR REGSEL value on ARM Cortex-M, the abstract-command regno on
// RISC-V.
type RegisterID uint16

// ARM Cortex-M DCRSR register selectors.
const (
	ArmR0   RegisterID = 0
	ArmR1   RegisterID = 1
	ArmR2   RegisterID = 2
	ArmR3   RegisterID = 3
	ArmR4   RegisterID = 4
	ArmR5   RegisterID = 5
	ArmR6   RegisterID = 6
	ArmR7   RegisterID = 7
	ArmR8   RegisterID = 8
	ArmR9   RegisterID = 9
	ArmR10  RegisterID = 10
	ArmR11  RegisterID = 11
	ArmR12  RegisterID = 12
	ArmSP   RegisterID = 13
	ArmLR   RegisterID = 14
	ArmPC   RegisterID = 15
	ArmXPSR RegisterID = 16
	ArmMSP  RegisterID = 17
	ArmPSP  RegisterID = 18
	// CONTROL/FAULTMASK/BASEPRI/PRIMASK share selector 20, byte lanes.
	ArmControl RegisterID = 20
	ArmFPSCR   RegisterID = 33
	// S0..S31 are selectors 64..95.
	ArmS0 RegisterID = 64
)

// AArch64 register numbers for A-profile external debug: X0..X30 are 0..30,
// then SP and the debug link register, which holds the restart PC.
const (
	Arm64X0 RegisterID = 0
	Arm64X1 RegisterID = 1
	Arm64X2 RegisterID = 2
	Arm64X3 RegisterID = 3
	Arm64LR RegisterID = 30
	Arm64SP RegisterID = 31
	Arm64PC RegisterID = 32
)

// RISC-V abstract-command register numbers.
const (
	// CSRs occupy 0x0000..0x0FFF.
	RiscvCsrDcsr     RegisterID = 0x7B0
	RiscvCsrDpc      RegisterID = 0x7B1
	RiscvCsrDscratch RegisterID = 0x7B2

	// GPRs x0..x31 are 0x1000..0x101F.
	RiscvX0 RegisterID = 0x1000
	RiscvRa RegisterID = 0x1001
	RiscvSp RegisterID = 0x1002
	RiscvA0 RegisterID = 0x100A
	RiscvA1 RegisterID = 0x100B
	RiscvA2 RegisterID = 0x100C
	RiscvA3 RegisterID = 0x100D
)

// Xtensa register numbers: address registers a0..a15 are 0..15, then the
// program counter.
const (
	XtensaA0 RegisterID = 0
	XtensaA1 RegisterID = 1
	XtensaA2 RegisterID = 2
	XtensaA3 RegisterID = 3
	XtensaA4 RegisterID = 4
	XtensaA5 RegisterID = 5
	XtensaPC RegisterID = 16
)
