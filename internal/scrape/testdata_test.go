package scrape

const coursePage = `<!DOCTYPE html>
<html>
<head><title>Sport UNIL - Cours</title></head>
<body>
<h1>  Volleyball
  mixte </h1>
<div class="cours_items">
  <span class="lieu">Dorigny 1</span>
  <div class="item">
    <span class="day">Lundi</span> <span class="dt">04.03.2024</span> <span class="hour">12:15 - 13:30</span>
    <div class="inscr"><a class="btn_insc" href="?pid=80&amp;aid=58&amp;sid=1">S'inscrire</a></div>
  </div>
  <div class="item">
    <span class="day">Mercredi</span> <span class="dt">06.03.2024</span> <span class="hour">18:00 - 19:30</span>
    <div class="inscr"><span class="full">Complet</span></div>
  </div>
</div>
<div class="cours_items">
  <span class="lieu">Dorigny 2</span>
  <div class="item">
    <span class="day">Jeudi</span> <span class="dt">07.03.2024</span> <span class="hour">07:30 - 08:30</span>
    <div class="inscr"><span class="close">Fermé</span></div>
  </div>
  <div class="item">
    <span class="day">Vendredi</span> <span class="dt">08.03.2024</span> <span class="hour">12:15 - 13:30</span>
    <div class="inscr"><span class="mystery">?</span></div>
  </div>
  <div class="item">
    <span class="day">Samedi</span> <span class="dt">09.03.2024</span> <span class="hour">10:00 - 11:00</span>
    <div class="inscr"><a class="btn_desinsc extra" href="?pid=80&amp;sid=5">Se désinscrire</a></div>
  </div>
</div>
</body>
</html>`

const detailPage = `<html><body>
<dl>
  <dt>Niveau: tous</dt><dd>-</dd>
  <dt>
    Individuel: 4 places
  </dt><dd>-</dd>
  <dt>Individuel: 99</dt>
</dl>
</body></html>`

const emptyCoursePage = `<html><head><title>t</title></head><body><h1>Escalade</h1>
<div class="cours_items"><span class="lieu">Mur</span></div>
</body></html>`

const noSessionsPage = `<html><body><h1>Escalade</h1><div id="no_course">Aucun cours</div></body></html>`

const maintenancePage = `<html><head><title>Sport UNIL</title></head><body><h1>Maintenance en cours</h1></body></html>`
