package ws

func (w *Client) subscribe() error {
	if len(w.topics) == 0 {
		return nil
	}
	return w.writeJSON(SubscribeMessage{
		Op:   "subscribe",
		Args: w.topics,
	})
}
