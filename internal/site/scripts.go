package site

import (
	"fmt"
	"strings"
)

// Page scripts that the site's own buttons call.
const (
	ScriptRequestOffices = "enviar('solicitud');"
	ScriptSubmitContact  = "enviar();"
	ScriptCommitListSlot = "envia();"
)

// ScriptReadGrid returns {dates: [...], rows: [{time, cells: [...]}]} for the
// date by time slot table.
const ScriptReadGrid = `(function() {
  const table = document.getElementById('CitaMAP_HORAS');
  if (!table) return {dates: [], rows: []};
  const dates = Array.from(table.querySelectorAll('thead [class^=colFecha]')).map(e => e.innerText.trim());
  const rows = Array.from(table.querySelectorAll('tbody tr')).map(tr => {
    const th = tr.querySelector('th');
    const cells = Array.from(tr.querySelectorAll('td')).map(td => {
      const h = td.querySelector('[id^=HUECO]');
      return h ? h.id : '';
    });
    return {time: th ? th.innerText.trim() : '', cells: cells};
  });
  return {dates: dates, rows: rows};
})()`

// ScriptPickRadio selects the nth slot radio in page order.
func ScriptPickRadio(n int) string {
	return fmt.Sprintf(`(function(){ const r = document.querySelectorAll("input[type='radio'][name='rdbCita']")[%d]; if (r) { r.click(); return true; } return false; })()`, n)
}

// ScriptCommitGridSlot books a grid cell token such as HUECO12345.
func ScriptCommitGridSlot(token string) string {
	num := strings.TrimPrefix(token, "HUECO")
	return fmt.Sprintf("confirmarHueco({id: '%s'}, %s);", token, num)
}

// ScriptSetRecaptcha writes a solved reCAPTCHA token into the hidden field.
func ScriptSetRecaptcha(token string) string {
	return fmt.Sprintf("document.getElementById('g-recaptcha-response').value = %s;", jsQuote(token))
}

func jsQuote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", "")
	return "'" + r.Replace(s) + "'"
}
