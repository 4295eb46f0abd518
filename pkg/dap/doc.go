// Package dap implements the ARM Debug Interface (ADIv5/ADIv6) on top of a
// probe's raw AP/DP register access: debug port control, access port
// addressing including the ADIv6 hierarchical form, and MEM-AP memory I/O
// with CSW caching, transfer width negotiation, auto-increment wrap handling
// and posted-read pipelining.
package dap
