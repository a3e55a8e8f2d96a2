package stats

/*
Every metric the scheduler and worker report. Add new ones here, grouped by
the component that owns them.
*/

const (
	/************************* Scheduler metrics **************************/
	/*
		time spent in one scheduling step: draining the inbox, recovery checks, allocation
	*/
	SchedStepLatency_ms = "schedStepLatency_ms"

	/*
		tasks accepted by Submit (a batch counts each of its tasks)
	*/
	SchedTasksSubmittedCounter = "schedTasksSubmittedCounter"

	/*
		submissions rejected: unknown dependency, invalid definition, cycle
	*/
	SchedSubmitRejectedCounter = "schedSubmitRejectedCounter"

	/*
		tasks that reached Finished, Failed or Cancelled
	*/
	SchedTasksFinishedCounter  = "schedTasksFinishedCounter"
	SchedTasksFailedCounter    = "schedTasksFailedCounter"
	SchedTasksCancelledCounter = "schedTasksCancelledCounter"

	/*
		tasks put back on the ready queue after losing a worker
	*/
	SchedTasksRequeuedCounter = "schedTasksRequeuedCounter"

	/*
		tasks by state, sampled every step
	*/
	SchedWaitingTasksGauge  = "schedWaitingTasksGauge"
	SchedReadyTasksGauge    = "schedReadyTasksGauge"
	SchedAssignedTasksGauge = "schedAssignedTasksGauge"

	/*
		assignments made by the allocator; multi-node ones are counted again in the second counter
	*/
	SchedAllocationsCounter          = "schedAllocationsCounter"
	SchedMultiNodeAllocationsCounter = "schedMultiNodeAllocationsCounter"

	/*
		ready tasks no registered worker could ever satisfy
	*/
	SchedUnsatisfiableCounter = "schedUnsatisfiableCounter"

	/*
		workers by session state, sampled every step
	*/
	SchedRegisteredWorkersGauge = "schedRegisteredWorkersGauge"
	SchedHealthyWorkersGauge    = "schedHealthyWorkersGauge"
	SchedSuspectWorkersGauge    = "schedSuspectWorkersGauge"

	/*
		workers declared lost (heartbeat timeout or closed connection)
	*/
	SchedWorkerLostCounter = "schedWorkerLostCounter"

	/*
		registrations refused: version mismatch, bad token, duplicate name
	*/
	SchedRegistrationRejectedCounter = "schedRegistrationRejectedCounter"

	/*
		messages a worker sent out of protocol; the connection is dropped for each
	*/
	SchedProtocolViolationCounter = "schedProtocolViolationCounter"

	/*
		output chunks lost or given up on by the reorder window
	*/
	SchedOutputGapCounter = "schedOutputGapCounter"

	/*
		journal write time and failures
	*/
	SchedJournalAppendLatency_ms = "schedJournalAppendLatency_ms"
	SchedJournalErrorCounter     = "schedJournalErrorCounter"

	/*
		assignments read back from the journal on startup
	*/
	SchedJournalReplayedGauge = "schedJournalReplayedGauge"

	/*
		task events handed to the external event sink, and publishes that failed
	*/
	SchedEventsPublishedCounter = "schedEventsPublishedCounter"
	SchedEventSinkErrorCounter  = "schedEventSinkErrorCounter"

	/*
		1 for a short while after the scheduler starts
	*/
	SchedServerStartedGauge = "schedStartedGauge"

	/*
		scheduler uptime
	*/
	SchedUptime_ms = "schedUptimeGauge_ms"

	/************************* Connection metrics **************************/
	/*
		worker connections accepted, and those closed before registration completed
	*/
	ConnAcceptedCounter  = "connAcceptedCounter"
	ConnRejectedCounter  = "connRejectedCounter"
	ConnHandshakeTimeout = "connHandshakeTimeoutCounter"

	/*
		frames read from and written to workers
	*/
	ConnFramesInCounter  = "connFramesInCounter"
	ConnFramesOutCounter = "connFramesOutCounter"

	/************************* HTTP metrics **************************/
	/*
		task submissions over http, body downloads, and websocket event subscriptions
	*/
	HttpSubmitLatency_ms     = "httpSubmitLatency_ms"
	HttpBodyLatency_ms       = "httpBodyLatency_ms"
	HttpSubscriptionsCounter = "httpSubscriptionsCounter"

	/************************* Worker metrics **************************/
	/*
		tasks the worker started, and how they ended
	*/
	WorkerTasksStartedCounter  = "workerTasksStartedCounter"
	WorkerTasksFinishedCounter = "workerTasksFinishedCounter"
	WorkerTasksFailedCounter   = "workerTasksFailedCounter"

	/*
		bytes of stdout and stderr sent to the scheduler
	*/
	WorkerOutputBytesCounter = "workerOutputBytesCounter"

	/*
		reconnect attempts after the scheduler connection dropped
	*/
	WorkerReconnectCounter = "workerReconnectCounter"

	/*
		time to download a task body referenced by URL
	*/
	WorkerBodyFetchLatency_ms = "workerBodyFetchLatency_ms"

	/*
		1 for a short while after the worker starts
	*/
	WorkerServerStartedGauge = "workerStartedGauge"

	/*
		worker uptime
	*/
	WorkerUptime_ms = "workerUptimeGauge_ms"
)
