package usecase

// Messages holds every user-visible text the relay can send. All fields are
// plain strings except RunFailed, which receives the terminal run status as
// its single format argument.
type Messages struct {
	Welcome1       string
	Welcome2       string
	Processing     string
	Busy           string
	Timeout        string
	NoReply        string
	RequiresAction string
	RunFailed      string
	Generic        string
}

// DefaultMessages returns the stock texts.
func DefaultMessages() Messages {
	return Messages{
		Welcome1:       "Olá! Você está conversando com uma Inteligência Artificial experimental, e, portanto, podem acontecer erros.",
		Welcome2:       "Fique tranquilo(a) que seus dados estão protegidos, pois só consigo manter a memória da nossa conversa por 12 horas, depois o chat é reiniciado e os dados, apagados.",
		Processing:     "Estou processando sua solicitação, aguarde um momento...",
		Busy:           "Ainda estou respondendo à sua mensagem anterior, só um instante...",
		Timeout:        "Desculpe, a solicitação demorou muito para ser processada pela IA (timeout interno).",
		NoReply:        "Não consegui obter uma resposta formatada corretamente da IA desta vez (mensagem vazia ou não encontrada).",
		RequiresAction: "A IA precisa realizar uma ação que ainda não está implementada. Por favor, contacte o suporte.",
		RunFailed:      "Desculpe, houve um problema com a IA (status: %s). Tente novamente mais tarde.",
		Generic:        "Desculpe, ocorreu um erro ao comunicar com a Inteligência Artificial. Por favor, tente novamente mais tarde.",
	}
}

// merged returns m with empty fields filled from the defaults, so partial
// overrides from configuration never leave a blank reply.
func (m Messages) merged() Messages {
	def := DefaultMessages()
	fill := func(v, d string) string {
		if v == "" {
			return d
		}
		return v
	}
	return Messages{
		Welcome1:       fill(m.Welcome1, def.Welcome1),
		Welcome2:       fill(m.Welcome2, def.Welcome2),
		Processing:     fill(m.Processing, def.Processing),
		Busy:           fill(m.Busy, def.Busy),
		Timeout:        fill(m.Timeout, def.Timeout),
		NoReply:        fill(m.NoReply, def.NoReply),
		RequiresAction: fill(m.RequiresAction, def.RequiresAction),
		RunFailed:      fill(m.RunFailed, def.RunFailed),
		Generic:        fill(m.Generic, def.Generic),
	}
}
