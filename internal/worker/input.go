package worker

// Ключи Task.Input.
const (
	inputParams   = "params"
	inputUpstream = "upstream"
)

// TaskInput собирает вход попытки из отрендеренных параметров
// и объединённых выходов зависимостей.
//
// Попытка хранит вход целиком, поэтому повтор и восстановление
// после рестарта не зависят от состояния в памяти.
func TaskInput(params, upstream map[string]any) map[string]any {
	if params == nil {
		params = map[string]any{}
	}
	if upstream == nil {
		upstream = map[string]any{}
	}
	return map[string]any{
		inputParams:   params,
		inputUpstream: upstream,
	}
}

// SplitTaskInput разбирает Task.Input обратно на параметры и upstream.
func SplitTaskInput(input map[string]any) (params, upstream map[string]any) {
	params, _ = input[inputParams].(map[string]any)
	upstream, _ = input[inputUpstream].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	if upstream == nil {
		upstream = map[string]any{}
	}
	return params, upstream
}
