package dto

// SystemLabel подпись служебных сообщений хаба
const SystemLabel = "relay"

// Message отправляется пиром в хаб
type Message struct {
	SenderId string `json:"sender_id"`
	Text     string `json:"text"`
}

func NewTextMessage(senderId string, text string) Message {
	return Message{SenderId: senderId, Text: text}
}

// Delivery хаб доставляет на callback адрес пира
type Delivery struct {
	From string `json:"from"`
	Text string `json:"text"`
}

func NewDelivery(from string, text string) Delivery {
	return Delivery{From: from, Text: text}
}

// IsSystem сообщает, что доставку сформировал сам хаб
func (d Delivery) IsSystem() bool {
	return d.From == SystemLabel
}

func (d Delivery) String() string {
	return d.From + ": " + d.Text
}
