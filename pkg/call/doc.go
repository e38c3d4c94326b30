// Package call реализует машину состояний жизненного цикла одного
// peer-to-peer звонка: от инициации через ICE переговоры до активной
// медиа сессии, переподключений и завершения.
//
// Пакет не выполняет сетевой I/O. Он отвечает на вопрос "в каком состоянии
// звонок и что из этого следует", а исполнение директив (отправить offer,
// закрыть транспорт, уведомить UI) остается коллабораторам.
//
// # Состояния
//
//	Idle -> SendingOffer -> IceConnecting(false) -> IceConnecting(true)
//	     -> IceConnected -> CallConnected
//	IceConnected | CallConnected -> IceDisconnected -> IceReconnecting(Before|After)
//	IceReconnecting(After)  -> CallConnected
//	IceReconnecting(Before) -> IceConnecting(true)
//	любое -> Terminating (терминальное)
//
// State является закрытым sum type, варианты с данными
// (IceConnecting, IceReconnecting) несут payload в себе.
//
// # Использование
//
//	machine := call.NewMachine(call.DefaultPolicy())
//	rec := call.NewRecord(id, call.Outgoing)
//
//	out, err := machine.Apply(rec, call.NewEvent(call.EventStartOutgoing))
//	if err != nil {
//	    // call.IsIllegalTransition(err): запись не изменилась
//	}
//	for _, d := range out.Directives {
//	    // передать коллаборатору
//	}
//
// Transition является чистой функцией над Snapshot и удобна для тестов.
// Таблица переходов построена на github.com/looplab/fsm; Graph() выдает
// ее в формате mermaid.
package call
