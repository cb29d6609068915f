// Package dispatch turns the event stream of one provider run into the
// frames a client sees.
//
// A work item moves through started, then any mix of processing (tool calls)
// and responding (text), and ends in exactly one final frame: a completed
// response or an error. Three timers bound the run: the wait for the first
// event, the silence between later events, and the run as a whole. Any of
// them firing cancels the provider run and ends the item with an error frame
// whose error_code names the timer.
package dispatch
