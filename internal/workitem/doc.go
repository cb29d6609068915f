// Package workitem defines the unit of input the relay consumes from its queue.
package workitem
