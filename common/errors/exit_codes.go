package errors

type ExitCode int

const (
	// Flags or configuration files could not be parsed.
	ConfigFailureExitCode ExitCode = 70

	// The recovery journal could not be opened or was found corrupted.
	JournalFailureExitCode ExitCode = 80

	// A listener could not be opened.
	ListenFailureExitCode ExitCode = 90

	// A server goroutine failed while running.
	ServeFailureExitCode ExitCode = 100

	// The worker could not detect or parse its resources.
	ResourceDetectionFailureExitCode ExitCode = 110

	// The worker gave up reconnecting to the scheduler.
	ConnectFailureExitCode ExitCode = 120
)
