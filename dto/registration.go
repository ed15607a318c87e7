package dto

// Registration описывает пир, который хочет получать рассылку хаба
type Registration struct {
	Id           string `json:"id"`
	Name         string `json:"name,omitempty"`
	CallbackAddr string `json:"callback_addr"`
}

func NewRegistration(id string, name string, callbackAddr string) Registration {
	return Registration{Id: id, Name: name, CallbackAddr: callbackAddr}
}

// Label возвращает подпись, под которой сообщения пира видят остальные.
// Если имя не задано, используется идентификатор.
func (r Registration) Label() string {
	if r.Name == "" {
		return r.Id
	}
	return r.Name
}
