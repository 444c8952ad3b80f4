package bgapi

// attributes 类

type AttributesReadTypeCommand struct {
	Handle uint16
}

type AttributesReadTypeResponse struct {
	Handle uint16
	Result Result
	Value  []byte
}

// AttributesValueEvent 本地属性库的值被远端修改
type AttributesValueEvent struct {
	Connection uint8
	Reason     uint8
	Handle     uint16
	Offset     uint16
	Value      []byte
}

// connection 类

type ConnectionDisconnectCommand struct {
	Connection uint8
}

type ConnectionDisconnectResponse struct {
	Connection uint8
	Result     Result
}

type ConnectionGetRssiCommand struct {
	Connection uint8
}

type ConnectionGetRssiResponse struct {
	Connection uint8
	RSSI       int8
}

type ConnectionChannelMapGetCommand struct {
	Connection uint8
}

type ConnectionChannelMapGetResponse struct {
	Connection uint8
	Map        []byte
}

type ConnectionGetStatusCommand struct {
	Connection uint8
}

type ConnectionGetStatusResponse struct {
	Connection uint8
}

// ConnectionStatusEvent 连接建立或参数变化
type ConnectionStatusEvent struct {
	Connection   uint8
	Flags        ConnectionFlags
	Address      BDAddr
	AddressType  uint8
	ConnInterval uint16
	Timeout      uint16
	Latency      uint16
	Bonding      uint8
}

// ConnectionDisconnectedEvent 连接断开，Reason 为结果码
type ConnectionDisconnectedEvent struct {
	Connection uint8
	Reason     Result
}

func (AttributesReadTypeCommand) ID() ID       { return ID{ClassAttributes, 2, KindCommand} }
func (AttributesReadTypeResponse) ID() ID      { return ID{ClassAttributes, 2, KindResponse} }
func (AttributesValueEvent) ID() ID            { return ID{ClassAttributes, 0, KindEvent} }
func (ConnectionDisconnectCommand) ID() ID     { return ID{ClassConnection, 0, KindCommand} }
func (ConnectionDisconnectResponse) ID() ID    { return ID{ClassConnection, 0, KindResponse} }
func (ConnectionGetRssiCommand) ID() ID        { return ID{ClassConnection, 1, KindCommand} }
func (ConnectionGetRssiResponse) ID() ID       { return ID{ClassConnection, 1, KindResponse} }
func (ConnectionChannelMapGetCommand) ID() ID  { return ID{ClassConnection, 4, KindCommand} }
func (ConnectionChannelMapGetResponse) ID() ID { return ID{ClassConnection, 4, KindResponse} }
func (ConnectionGetStatusCommand) ID() ID      { return ID{ClassConnection, 7, KindCommand} }
func (ConnectionGetStatusResponse) ID() ID     { return ID{ClassConnection, 7, KindResponse} }
func (ConnectionStatusEvent) ID() ID           { return ID{ClassConnection, 0, KindEvent} }
func (ConnectionDisconnectedEvent) ID() ID     { return ID{ClassConnection, 4, KindEvent} }
