package handler

const (
	errJobNotFound      = "job not found"
	errJobBeingExecuted = "job is being executed"
	errInternalServer   = "internal server error"
)
