package task

import "fmt"

type Status int

const (
	StatusNew Status = iota
	StatusPending
	StatusDownloading
	StatusPausing
	StatusPaused
	StatusSuccessful
	StatusCanceled
	StatusError
)

var statusNames = [...]string{
	StatusNew:         "new",
	StatusPending:     "pending",
	StatusDownloading: "downloading",
	StatusPausing:     "pausing",
	StatusPaused:      "paused",
	StatusSuccessful:  "successful",
	StatusCanceled:    "canceled",
	StatusError:       "error",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Terminal reports whether a submission has ended. A paused task is terminal
// for the submission but may be resubmitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusPaused, StatusSuccessful, StatusCanceled, StatusError:
		return true
	}
	return false
}

// Active reports whether the task is queued or transferring.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusDownloading || s == StatusPausing
}

var transitions = map[Status][]Status{
	StatusNew:         {StatusPending, StatusCanceled},
	StatusPending:     {StatusDownloading, StatusError, StatusCanceled},
	StatusDownloading: {StatusPausing, StatusPaused, StatusSuccessful, StatusError, StatusCanceled},
	StatusPausing:     {StatusPaused, StatusSuccessful, StatusError, StatusCanceled},
	StatusPaused:      {StatusNew, StatusCanceled},
	StatusSuccessful:  {StatusNew},
	StatusCanceled:    {StatusNew},
	StatusError:       {StatusNew},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
