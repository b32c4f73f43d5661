/*
Package cororuntime runs stackful coroutines.

A Coroutine runs a body on its own stack and suspends with Yield until the
next Resume. Coroutines are created from a StackArena, which accounts for
their stack reservations and hands out stable Handles.

A Scheduler composes coroutines with an event queue and a tsc.Clock into a
cooperative single-worker runtime. Coroutines it runs can Sleep, wait on a
Semaphore or Cond, bound a section with WithTimeout, and be woken early with
Interrupt. On a tsc.Manual clock the scheduler jumps straight to the next
deadline whenever nothing is runnable, so a run with a fixed seed always
makes the same decisions; Result.Checksum summarizes them.
*/
package cororuntime
