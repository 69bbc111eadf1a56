package main

import (
	"bytes"
	"encoding/binary"
)

// inputEvent represents a Linux input event structure
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

var inputEventSize = binary.Size(inputEvent{})

// decodeInputEvents splits a read from an evdev node into events. A trailing
// partial record is ignored.
func decodeInputEvents(buf []byte) []inputEvent {
	n := len(buf) / inputEventSize
	if n == 0 {
		return nil
	}
	out := make([]inputEvent, 0, n)
	reader := bytes.NewReader(buf[:n*inputEventSize])
	for i := 0; i < n; i++ {
		var ev inputEvent
		if err := binary.Read(reader, binary.LittleEndian, &ev); err != nil {
			break
		}
		out = append(out, ev)
	}
	return out
}

// headphoneEvent reports whether ev is a headphone jack switch change, and
// if so whether the jack is now occupied.
func headphoneEvent(ev inputEvent) (connected bool, ok bool) {
	if ev.Type != EV_SW || ev.Code != SW_HEADPHONE_INSERT {
		return false, false
	}
	return ev.Value != 0, true
}

// switchBit reads one bit from an EVIOCGSW bitmap.
func switchBit(bits []byte, code int) bool {
	idx := code / 8
	if idx < 0 || idx >= len(bits) {
		return false
	}
	return bits[idx]&(1<<(uint(code)%8)) != 0
}
