package protocol

// Message types sent by participants.
const (
	TypeAgentRegister      = "agent.register"
	TypeServiceRegister    = "service.register"
	TypeTaskCreate         = "task.create"
	TypeTaskResult         = "task.result"
	TypeTaskStatus         = "task.status"
	TypeTaskStatusRequest  = "task.status.request"
	TypeTaskListRequest    = "task.list.request"
	TypeTaskCancel         = "task.cancel"
	TypeAgentRequest       = "agent.request"
	TypeAgentListRequest   = "agent.list.request"
	TypeServiceRequest     = "service.request"
	TypeServiceListRequest = "service.list.request"
	TypeServiceTaskResult  = "service.task.result"
	TypePing               = "ping"
)

// Message types sent by the orchestrator.
const (
	TypeWelcome            = "orchestrator.welcome"
	TypeTaskExecute        = "task.execute"
	TypeTaskCreated        = "task.created"
	TypeAgentRequestAccept = "agent.request.accepted"
	TypeAgentList          = "agent.list"
	TypeServiceList        = "service.list"
	TypeTaskList           = "task.list"
	TypeServiceTaskExecute = "service.task.execute"
	TypeServiceResponse    = "service.response"
	TypePong               = "pong"
	TypeError              = "error"
)
