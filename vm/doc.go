// Package vm implements the P-Code interpreter.
//
// A Machine executes one frozen pcode.Program exactly once. It owns an
// operand stack of tagged values, a data area divided into activation
// frames, a program counter and a frame stack. Frames are kept in a slice
// and reference each other by index: a frame's static link is the index of
// the frame of its lexically enclosing procedure, and LOD/STO/CAL with level
// L follow L static links from the current frame.
//
// States:
//
//	Ready -> Running -> Halted   (HLT, RET from the main frame, or end of code)
//	                 -> Faulted  (runtime fault or cancellation)
//
// A Machine never leaves a terminal state; construct a new one per run.
//
// Host contract:
//   - every WRT/WRTF/WRS/WRL delivers exactly one Sink.Output call, in order
//   - a fault delivers exactly one Sink.Error call
//   - RED/RDF/RDB/RDS call InputSource.Next synchronously
package vm
