// Package srt implements an SRT (Secure Reliable Transport) listener audio
// source: a single remote publisher pushes raw PCM, which the production
// pipeline reads as if it were a local pipe.
package srt
