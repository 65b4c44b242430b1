// Package recorder decodes FreeRTOS trace-recorder streaming (PSF) captures
// into typed events.
package recorder

import "fmt"

// EventType identifies the kind of trace-recorder event.
type EventType uint16

// Event type values follow the recorder's PSF streaming event table.
const (
	TypeNull                  EventType = 0x00
	TypeTraceStart            EventType = 0x01
	TypeTsConfig              EventType = 0x02
	TypeObjectName            EventType = 0x03
	TypeTaskPriority          EventType = 0x04
	TypeDefineIsr             EventType = 0x07
	TypeTaskCreate            EventType = 0x10
	TypeQueueCreate           EventType = 0x11
	TypeSemaphoreBinaryCreate EventType = 0x12
	TypeMutexCreate           EventType = 0x13
	TypeTimerCreate           EventType = 0x14
	TypeMessageBufferCreate   EventType = 0x15
	TypeTaskDelete            EventType = 0x20
	TypeTaskReady             EventType = 0x30
	TypeIsrBegin              EventType = 0x33
	TypeIsrResume             EventType = 0x34
	TypeTaskActivate          EventType = 0x35
	TypeTaskResume            EventType = 0x36
	TypeMemoryAlloc           EventType = 0x38
	TypeMemoryFree            EventType = 0x39
	TypeQueueSend             EventType = 0x50
	TypeQueueReceive          EventType = 0x51
	TypeSemaphoreGive         EventType = 0x52
	TypeSemaphoreTake         EventType = 0x53
	TypeMutexGive             EventType = 0x54
	TypeMutexTake             EventType = 0x55
	TypeMessageBufferSend     EventType = 0x56
	TypeMessageBufferReceive  EventType = 0x57
	TypeTimerStart            EventType = 0x58
	TypeTimerStop             EventType = 0x59
	TypeUserEvent             EventType = 0x90
)

var eventTypeNames = map[EventType]string{
	TypeNull:                  "NULL",
	TypeTraceStart:            "TRACE_START",
	TypeTsConfig:              "TS_CONFIG",
	TypeObjectName:            "OBJECT_NAME",
	TypeTaskPriority:          "TASK_PRIORITY",
	TypeDefineIsr:             "DEFINE_ISR",
	TypeTaskCreate:            "TASK_CREATE",
	TypeQueueCreate:           "QUEUE_CREATE",
	TypeSemaphoreBinaryCreate: "SEMAPHORE_BINARY_CREATE",
	TypeMutexCreate:           "MUTEX_CREATE",
	TypeTimerCreate:           "TIMER_CREATE",
	TypeMessageBufferCreate:   "MESSAGE_BUFFER_CREATE",
	TypeTaskDelete:            "TASK_DELETE",
	TypeTaskReady:             "TASK_READY",
	TypeIsrBegin:              "TASK_SWITCH_ISR_BEGIN",
	TypeIsrResume:             "TASK_SWITCH_ISR_RESUME",
	TypeTaskActivate:          "TASK_ACTIVATE",
	TypeTaskResume:            "TASK_RESUME",
	TypeMemoryAlloc:           "MEMORY_ALLOC",
	TypeMemoryFree:            "MEMORY_FREE",
	TypeQueueSend:             "QUEUE_SEND",
	TypeQueueReceive:          "QUEUE_RECEIVE",
	TypeSemaphoreGive:         "SEMAPHORE_GIVE",
	TypeSemaphoreTake:         "SEMAPHORE_TAKE",
	TypeMutexGive:             "MUTEX_GIVE",
	TypeMutexTake:             "MUTEX_TAKE",
	TypeMessageBufferSend:     "MESSAGE_BUFFER_SEND",
	TypeMessageBufferReceive:  "MESSAGE_BUFFER_RECEIVE",
	TypeTimerStart:            "TIMER_START",
	TypeTimerStop:             "TIMER_STOP",
	TypeUserEvent:             "USER_EVENT",
}

// Known reports whether the type is part of the recognized event table.
func (t EventType) Known() bool {
	_, ok := eventTypeNames[t]
	return ok
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%04X)", uint16(t))
}

// TaskInfo is the payload of task scheduling events. Name may be empty when
// the recorder only logged the handle; the object table supplies it then.
type TaskInfo struct {
	Handle   uint32
	Priority uint32
}

// IsrInfo is the payload of ISR begin/resume events.
type IsrInfo struct {
	Handle   uint32
	Priority uint32
}

// ObjectInfo is the payload of object lifecycle and naming events.
type ObjectInfo struct {
	Handle uint32
	Name   string
}

// MemoryInfo is the payload of heap alloc/free events.
type MemoryInfo struct {
	Address uint32
	Size    uint32
}

// UserEventInfo is the payload of application-logged events. Format is the
// printf-style format string recorded on target; Args are the raw argument
// words.
type UserEventInfo struct {
	ChannelHandle uint32
	Format        string
	Args          []uint32
}

// TraceStartInfo is the payload of the TRACE_START event.
type TraceStartInfo struct {
	Handle    uint32 // handle of the task that was running at start
	TaskName  string
	Frequency uint64 // timer ticks per second
}

// Event is one decoded trace-recorder event.
//
// Exactly one of the payload pointers is set for recognized payload-carrying
// types; all are nil for unknown or payload-free types. Params always holds
// the raw parameter words for full-fidelity pass-through.
type Event struct {
	Type  EventType
	ID    uint16 // raw event code: type in the low 12 bits, param count in the high 4
	Count uint16 // rolling 16-bit event counter
	Timer uint32 // raw timer snapshot, wraps
	CPU   uint16

	Params []uint32

	Task      *TaskInfo
	Isr       *IsrInfo
	Object    *ObjectInfo
	Memory    *MemoryInfo
	User      *UserEventInfo
	Start     *TraceStartInfo
	TargetCPU *uint16 // cross-CPU wakeup destination, when the source recorded one
}
