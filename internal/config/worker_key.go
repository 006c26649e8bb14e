package config

type WorkerKeyStruct struct {
	PersistAttemptAnswersQueue  string
	PersistAttemptOutcomesQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistAttemptAnswersQueue:  "persist_attempt_answers_queue",
	PersistAttemptOutcomesQueue: "persist_attempt_outcomes_queue",
}
