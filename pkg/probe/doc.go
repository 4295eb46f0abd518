// Package probe defines the debug probe abstraction shared by all probe
// drivers: probe discovery and selection, the wire protocol surface
// (raw DAP register access and raw JTAG bit I/O), and the shared JTAG
// scan-chain scheduler used by drivers that expose bit-level JTAG.
//
// Concrete drivers live in subpackages (cmsisdap, stlink, jlink, wlink,
// ftdi, ch347, icdi, glasgow) and register themselves through a Registry
// constructed at startup.
package probe
