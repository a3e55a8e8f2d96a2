/*
package server provides the StatefulScheduler, which places a DAG of tasks
onto connected workers according to each task's resource requirement.

* Concepts *
Task:
  A unit of work with a resource requirement, dependencies, a priority and an
  opaque body. Tasks become Ready once every dependency Finished and are
  handed to workers in priority order, then submission order.

Requirement:
  One or more variants, each a set of resource entries (cpus, gpus, memory...).
  The first variant in declaration order that fits a worker wins.
  A requirement with Nodes > 1 needs the same variant on that many distinct
  workers at once; the first of them is the coordinator and runs the body.

Worker session:
  A registered connection. Connecting -> Registered -> Healthy <-> Suspect -> Disconnected.
  Suspect workers (late heartbeat) get no new work. A Disconnected worker's
  tasks are requeued, or failed with WorkerLost once their retries ran out.

Epoch:
  Every assignment of a task gets a new epoch. Reports carrying an older
  epoch are protocol violations and are dropped.

* Logic *
Schedule Loop (step):
  Drain intents: submissions, cancels, subscriptions, worker registrations,
  worker messages and disconnects.
  Process journal callbacks, which send the assignments they recorded.
  Check heartbeats and the journal recovery deadline; recover lost tasks.
  Allocate Ready tasks with best fit and record the assignments.
  Publish task events to subscribers and the event sink.

Select Worker Preference:
  Only Registered or Healthy workers with enough free capacity for the variant.
  Smallest leftover free capacity (slack) on the touched resources.
  Lowest worker id.
*/
package server
